package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/agent"
)

func newManager(t *testing.T, ttl time.Duration) (*Manager, *Identity) {
	t.Helper()
	host, err := Generate("host", time.Hour)
	require.NoError(t, err)
	return NewManager(host, NewKeyRing(), ttl), host
}

func TestCreateSession_ValidCredentials(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	assert.Equal(t, "client", sess.ClientID)
	assert.Equal(t, "host", sess.ReceiverID)
	assert.NotEmpty(t, sess.Token)
}

func TestCreateSession_RecordsPeerKeys(t *testing.T) {
	host, err := Generate("host", time.Hour)
	require.NoError(t, err)
	ring := NewKeyRing()
	mgr := NewManager(host, ring, time.Minute)

	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	_, err = mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	keys, err := ring.Get("client")
	require.NoError(t, err)
	assert.Equal(t, client.Public().Exchange, keys.Exchange)
}

func TestCreateSession_BadSignature(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	creds := SignCredentials(client)
	creds.Signature[0] ^= 0xff

	_, err = mgr.CreateSession(creds)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}

func TestCreateSession_StaleChallenge(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	creds := SignCredentials(client)
	creds.Timestamp = time.Now().Add(-time.Hour).Unix()
	creds.Signature = client.Sign(credentialBody(creds.AgentID, creds.Timestamp))

	_, err = mgr.CreateSession(creds)
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}

func TestValidateSession(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	clientID, err := mgr.ValidateSession(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "client", clientID)
}

func TestValidateSession_Expired(t *testing.T) {
	mgr, _ := newManager(t, 50*time.Millisecond)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // jwt expiry has one-second resolution

	_, err = mgr.ValidateSession(sess.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}

func TestValidateSession_Tampered(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	_, err = mgr.ValidateSession(sess.Token + "x")
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}

func TestValidateSession_Unknown(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	_, err := mgr.ValidateSession("never-issued")
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}

func TestLogout(t *testing.T) {
	mgr, _ := newManager(t, time.Minute)
	client, err := Generate("client", time.Hour)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(SignCredentials(client))
	require.NoError(t, err)

	mgr.Logout(sess.Token)

	_, err = mgr.ValidateSession(sess.Token)
	assert.ErrorIs(t, err, agent.ErrAuthRejected)
}
