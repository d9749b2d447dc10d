package identity

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmesh-dev/agentmesh/agent"
)

// DefaultSessionTTL bounds session tokens when no TTL is configured.
const DefaultSessionTTL = 15 * time.Minute

// challengeMaxSkew bounds how stale a signed credential timestamp may be.
const challengeMaxSkew = 2 * time.Minute

// Credentials carries a client's signed challenge presented during the
// authentication handshake. The signature covers the agent ID and
// timestamp, proving possession of the private signing key matching the
// presented public keys.
type Credentials struct {
	AgentID   string     `json:"agent_id"`
	Keys      PublicKeys `json:"keys"`
	Timestamp int64      `json:"timestamp"`
	Signature []byte     `json:"signature"`
}

// SignCredentials builds credentials for the given identity, signing the
// current timestamp.
func SignCredentials(id *Identity) Credentials {
	ts := time.Now().Unix()
	return Credentials{
		AgentID:   id.AgentID,
		Keys:      id.Public(),
		Timestamp: ts,
		Signature: id.Sign(credentialBody(id.AgentID, ts)),
	}
}

func credentialBody(agentID string, ts int64) []byte {
	body := make([]byte, 0, len(agentID)+8)
	body = append(body, agentID...)
	body = binary.BigEndian.AppendUint64(body, uint64(ts))
	return body
}

// Session is a time-bounded authentication context scoped to a single
// receiver agent. Sessions are created on a successful handshake and
// destroyed on expiry or explicit logout.
type Session struct {
	Token      string
	ClientID   string
	ReceiverID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// sessionClaims is the JWT claim set backing a session token.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Manager authenticates inbound connections for one host agent and owns
// that agent's session state. Safe for concurrent use.
type Manager struct {
	host     *Identity
	ring     *KeyRing
	ttl      time.Duration
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager for the host identity. Peer keys
// learned during handshakes are recorded in ring.
func NewManager(host *Identity, ring *KeyRing, sessionTTL time.Duration) *Manager {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Manager{
		host:     host,
		ring:     ring,
		ttl:      sessionTTL,
		sessions: make(map[string]*Session),
	}
}

// CreateSession validates the presented credentials and issues a session
// token scoped to the host agent. Returns agent.ErrAuthRejected when the
// challenge signature is invalid or stale.
func (m *Manager) CreateSession(creds Credentials) (*Session, error) {
	if creds.AgentID == "" || creds.Keys.AgentID != creds.AgentID {
		return nil, fmt.Errorf("%w: credential agent ID mismatch", agent.ErrAuthRejected)
	}

	skew := time.Since(time.Unix(creds.Timestamp, 0))
	if skew < -challengeMaxSkew || skew > challengeMaxSkew {
		return nil, fmt.Errorf("%w: stale challenge", agent.ErrAuthRejected)
	}

	if !Verify(credentialBody(creds.AgentID, creds.Timestamp), creds.Signature, creds.Keys.Sign) {
		return nil, fmt.Errorf("%w: invalid challenge signature", agent.ErrAuthRejected)
	}

	now := time.Now().UTC()
	expires := now.Add(m.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.AgentID,
			Audience:  jwt.ClaimStrings{m.host.AgentID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.host.SigningKey())
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	sess := &Session{
		Token:      token,
		ClientID:   creds.AgentID,
		ReceiverID: m.host.AgentID,
		IssuedAt:   now,
		ExpiresAt:  expires,
	}

	m.ring.Put(creds.Keys)

	m.mu.Lock()
	m.sessions[token] = sess
	m.mu.Unlock()

	return sess, nil
}

// ValidateSession checks a presented token and returns the client agent
// ID it authenticates. Expired or tampered tokens return
// agent.ErrAuthRejected, never a panic or an ambiguous success. Token
// comparison is constant time.
func (m *Manager) ValidateSession(token string) (string, error) {
	sess := m.lookup(token)
	if sess == nil {
		return "", fmt.Errorf("%w: unknown session token", agent.ErrAuthRejected)
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.host.SigningKey().Public(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(m.host.AgentID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		m.drop(token)
		return "", fmt.Errorf("%w: %v", agent.ErrAuthRejected, err)
	}

	return claims.Subject, nil
}

// Logout destroys a session before its expiry.
func (m *Manager) Logout(token string) {
	m.drop(token)
}

// lookup scans sessions with constant-time token comparison to avoid
// timing side-channels on the token value.
func (m *Manager) lookup(token string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Session
	for stored, sess := range m.sessions {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			found = sess
		}
	}
	return found
}

func (m *Manager) drop(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}
