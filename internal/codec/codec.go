// Package codec seals agent messages into signed, encrypted envelopes
// and verifies them on receipt.
//
// Envelopes are signed over the ciphertext so signature verification
// always happens before decryption; a failure at either stage rejects
// the whole message with no partial payload exposure.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
)

// DefaultMaxMessageSize bounds the serialized message size when the
// configuration does not override it.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

// hkdfInfo domain-separates envelope keys from any other use of the
// exchange keys.
const hkdfInfo = "agentmesh/envelope/v1"

// Envelope is the wire representation of a sealed message.
type Envelope struct {
	// SenderID references the sender's registered public keys.
	SenderID string `json:"sender_id"`

	// Ciphertext is the XChaCha20-Poly1305 sealed message JSON.
	Ciphertext []byte `json:"ciphertext"`

	// Signature is the sender's Ed25519 signature over
	// nonce || ephemeral || ciphertext.
	Signature []byte `json:"signature"`

	// Nonce is the per-message AEAD nonce. Never reused.
	Nonce []byte `json:"nonce"`

	// Ephemeral is the sender's ephemeral X25519 public key for this
	// message.
	Ephemeral []byte `json:"ephemeral"`
}

// signedBody is the canonical byte form covered by the envelope signature.
func (e *Envelope) signedBody() []byte {
	body := make([]byte, 0, len(e.Nonce)+len(e.Ephemeral)+len(e.Ciphertext))
	body = append(body, e.Nonce...)
	body = append(body, e.Ephemeral...)
	body = append(body, e.Ciphertext...)
	return body
}

// Codec encodes and decodes envelopes on behalf of one identity.
type Codec struct {
	own     *identity.Identity
	ring    *identity.KeyRing
	maxSize int
}

// New creates a codec for the given identity. Peer public keys are
// resolved through ring. maxSize <= 0 selects DefaultMaxMessageSize.
func New(own *identity.Identity, ring *identity.KeyRing, maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Codec{own: own, ring: ring, maxSize: maxSize}
}

// Encode seals a message for the recipient. The plaintext is encrypted
// with a key derived from an ephemeral X25519 exchange and a fresh
// random nonce, then signed with the sender's key. Oversized payloads
// are rejected before any crypto work.
func (c *Codec) Encode(msg *agent.Message, recipient identity.PublicKeys) (*Envelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(plaintext) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (ceiling %d)", agent.ErrMessageTooLarge, len(plaintext), c.maxSize)
	}

	ephPub, ephPriv, err := identity.GenerateExchangeKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := identity.ExchangeSecret(ephPriv, recipient.Exchange)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(shared, nonce))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	env := &Envelope{
		SenderID:   c.own.AgentID,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(c.own.AgentID)),
		Nonce:      nonce,
		Ephemeral:  ephPub,
	}
	env.Signature = c.own.Sign(env.signedBody())

	return env, nil
}

// Decode verifies and opens an envelope addressed to the codec's
// identity. The signature is checked against the sender's known public
// key before any decryption is attempted; every failure is reported as
// agent.ErrIntegrity and the message is dropped.
func (c *Codec) Decode(env *Envelope) (*agent.Message, error) {
	senderKeys, err := c.ring.Get(env.SenderID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown sender %s", agent.ErrIntegrity, env.SenderID)
	}

	if !identity.Verify(env.signedBody(), env.Signature, senderKeys.Sign) {
		return nil, fmt.Errorf("%w: signature mismatch from %s", agent.ErrIntegrity, env.SenderID)
	}

	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce length", agent.ErrIntegrity)
	}

	shared, err := c.own.SharedSecret(env.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement failed", agent.ErrIntegrity)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(shared, env.Nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: init aead", agent.ErrIntegrity)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.SenderID))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", agent.ErrIntegrity)
	}

	var msg agent.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext", agent.ErrIntegrity)
	}
	if msg.SenderID != env.SenderID {
		return nil, fmt.Errorf("%w: sender mismatch", agent.ErrIntegrity)
	}

	return &msg, nil
}

// Marshal serializes an envelope for transport framing.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses an envelope from a transport frame.
func Unmarshal(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", agent.ErrIntegrity)
	}
	return &env, nil
}

// deriveKey expands the X25519 shared secret into an AEAD key bound to
// the message nonce.
func deriveKey(shared, nonce []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nonce, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails when asked for too much output.
		panic(err)
	}
	return key
}
