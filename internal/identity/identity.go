// Package identity issues and verifies agent identities and manages the
// session tokens used to authenticate inbound connections.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/google/uuid"
)

// DefaultTTL is the identity lifetime used when none is configured.
// Identities are rotated before expiry by the owning runtime.
const DefaultTTL = 24 * time.Hour

// Identity holds an agent's keypairs and attestation. The signing key is
// Ed25519; a separate X25519 keypair is used for message encryption key
// agreement. An Identity is owned exclusively by the runtime that
// created it and must not be shared across runtimes.
type Identity struct {
	AgentID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Attestation []byte

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	exchPub  []byte
	exchPriv []byte
}

// PublicKeys is the shareable half of an Identity, distributed through
// discovery so peers can verify signatures and encrypt payloads.
type PublicKeys struct {
	AgentID  string `json:"agent_id"`
	Sign     []byte `json:"sign"`
	Exchange []byte `json:"exchange"`
}

// Generate creates a fresh identity. An empty agentID gets a generated
// "agent-<uuid>" ID.
func Generate(agentID string, ttl time.Duration) (*Identity, error) {
	if agentID == "" {
		agentID = "agent-" + uuid.New().String()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	exchPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(exchPriv); err != nil {
		return nil, fmt.Errorf("generate exchange key: %w", err)
	}
	exchPub, err := curve25519.X25519(exchPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive exchange public key: %w", err)
	}

	now := time.Now().UTC()
	id := &Identity{
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		signPub:   signPub,
		signPriv:  signPriv,
		exchPub:   exchPub,
		exchPriv:  exchPriv,
	}
	id.Attestation = id.Sign(id.attestationBody())
	return id, nil
}

// attestationBody is the canonical byte form covered by the attestation
// signature: agent ID, signing public key, expiry.
func (id *Identity) attestationBody() []byte {
	body := make([]byte, 0, len(id.AgentID)+ed25519.PublicKeySize+8)
	body = append(body, id.AgentID...)
	body = append(body, id.signPub...)
	body = binary.BigEndian.AppendUint64(body, uint64(id.ExpiresAt.Unix()))
	return body
}

// VerifyAttestation checks the self-signed attestation against the
// identity's own public key.
func (id *Identity) VerifyAttestation() bool {
	return ed25519.Verify(id.signPub, id.attestationBody(), id.Attestation)
}

// Sign signs a payload with the identity's private signing key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.signPriv, payload)
}

// Verify checks a signature against an arbitrary public key.
func Verify(payload, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// Public returns the shareable keys for this identity.
func (id *Identity) Public() PublicKeys {
	return PublicKeys{
		AgentID:  id.AgentID,
		Sign:     append([]byte(nil), id.signPub...),
		Exchange: append([]byte(nil), id.exchPub...),
	}
}

// SharedSecret computes the X25519 shared secret between this identity's
// exchange key and a peer's exchange public key.
func (id *Identity) SharedSecret(peerExchange []byte) ([]byte, error) {
	return curve25519.X25519(id.exchPriv, peerExchange)
}

// SigningKey exposes the private signing key for JWT issuance.
func (id *Identity) SigningKey() ed25519.PrivateKey {
	return id.signPriv
}

// Expired reports whether the identity is past its expiry.
func (id *Identity) Expired() bool {
	return time.Now().After(id.ExpiresAt)
}

// Rotate issues fresh keypairs keeping the agent ID, and returns the new
// identity. The old identity remains valid until its own expiry so
// in-flight messages can still be verified.
func (id *Identity) Rotate(ttl time.Duration) (*Identity, error) {
	return Generate(id.AgentID, ttl)
}

// ExchangeSecret computes an X25519 shared secret from a raw private
// scalar. Used by the codec for per-message ephemeral keys.
func ExchangeSecret(priv, peerPub []byte) ([]byte, error) {
	return curve25519.X25519(priv, peerPub)
}

// GenerateExchangeKeyPair creates an ephemeral X25519 keypair.
func GenerateExchangeKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	return pub, priv, nil
}
