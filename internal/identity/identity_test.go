package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("agent-banking", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "agent-banking", id.AgentID)
	assert.False(t, id.Expired())
	assert.True(t, id.VerifyAttestation())
}

func TestGenerate_AssignsID(t *testing.T) {
	id, err := Generate("", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, id.AgentID, "agent-")
}

func TestSignVerify(t *testing.T) {
	id, err := Generate("signer", time.Hour)
	require.NoError(t, err)

	payload := []byte("balance inquiry for account 42")
	sig := id.Sign(payload)

	assert.True(t, Verify(payload, sig, id.Public().Sign))
	assert.False(t, Verify([]byte("tampered"), sig, id.Public().Sign))

	other, err := Generate("other", time.Hour)
	require.NoError(t, err)
	assert.False(t, Verify(payload, sig, other.Public().Sign))
}

func TestVerify_BadKeyLength(t *testing.T) {
	assert.False(t, Verify([]byte("p"), []byte("s"), []byte("short")))
}

func TestRotate_KeepsAgentID(t *testing.T) {
	id, err := Generate("rotator", time.Hour)
	require.NoError(t, err)

	rotated, err := id.Rotate(time.Hour)
	require.NoError(t, err)

	assert.Equal(t, id.AgentID, rotated.AgentID)
	assert.NotEqual(t, id.Public().Sign, rotated.Public().Sign)
	assert.True(t, rotated.VerifyAttestation())
}

func TestSharedSecret_Agreement(t *testing.T) {
	a, err := Generate("a", time.Hour)
	require.NoError(t, err)
	b, err := Generate("b", time.Hour)
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.Public().Exchange)
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.Public().Exchange)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
}

func TestKeyRing(t *testing.T) {
	ring := NewKeyRing()
	id, err := Generate("ringed", time.Hour)
	require.NoError(t, err)

	_, err = ring.Get("ringed")
	require.Error(t, err)

	ring.Put(id.Public())
	keys, err := ring.Get("ringed")
	require.NoError(t, err)
	assert.Equal(t, id.Public().Sign, keys.Sign)

	ring.Remove("ringed")
	_, err = ring.Get("ringed")
	assert.Error(t, err)
}
