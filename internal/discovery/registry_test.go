package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/proto"
)

func reg(id string, ttl time.Duration, caps ...string) Registration {
	return Registration{
		AgentID:      id,
		Endpoint:     "localhost:9000",
		Capabilities: caps,
		TTL:          ttl,
	}
}

func TestRegisterAndFindByID(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("banking-1", time.Minute, "banking:balance_request")))

	got, err := r.FindByID(ctx, "banking-1")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", got.Endpoint)
}

func TestRegister_MissingID(t *testing.T) {
	r := NewRegistry()
	err := r.Register(context.Background(), Registration{})
	assert.Error(t, err)
}

func TestFindByID_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.FindByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestFindByCapability(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("banking-1", time.Minute, "banking:balance_request", "banking:transfer_request")))
	require.NoError(t, r.Register(ctx, reg("banking-2", time.Minute, "banking:balance_request")))
	require.NoError(t, r.Register(ctx, reg("crypto-1", time.Minute, "crypto:market_analysis_request")))

	matches, err := r.FindByCapability(ctx, "banking:balance_request")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = r.FindByCapability(ctx, "crypto:market_analysis_request")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "crypto-1", matches[0].AgentID)

	matches, err = r.FindByCapability(ctx, "unknown:action")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindByCapability_ExcludesExpired(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("short-lived", 30*time.Millisecond, "banking:balance_request")))
	require.NoError(t, r.Register(ctx, reg("long-lived", time.Minute, "banking:balance_request")))

	time.Sleep(60 * time.Millisecond)

	matches, err := r.FindByCapability(ctx, "banking:balance_request")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "long-lived", matches[0].AgentID)
}

func TestFindByID_ExcludesExpired(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("short-lived", 30*time.Millisecond, "x:y")))
	time.Sleep(60 * time.Millisecond)

	_, err := r.FindByID(ctx, "short-lived")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestRenew_ExtendsTTL(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("renewer", 80*time.Millisecond, "x:y")))

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, r.Renew(ctx, "renewer"))
	}

	_, err := r.FindByID(ctx, "renewer")
	assert.NoError(t, err)
}

func TestRenew_ExpiredFails(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("late", 20*time.Millisecond, "x:y")))
	time.Sleep(50 * time.Millisecond)

	err := r.Renew(ctx, "late")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestDeregister(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("leaver", time.Minute, "x:y")))
	require.NoError(t, r.Deregister(ctx, "leaver"))

	_, err := r.FindByID(ctx, "leaver")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)

	err = r.Deregister(ctx, "leaver")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

// Expiry must be respected even while lookups run concurrently with
// registrations, per the registration TTL contract.
func TestConcurrentLookupExcludesExpired(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, reg("ephemeral", 50*time.Millisecond, "banking:balance_request")))

	deadline := time.Now().Add(150 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				matches, err := r.FindByCapability(ctx, "banking:balance_request")
				if err != nil {
					t.Error(err)
					return
				}
				for _, m := range matches {
					if m.expired(time.Now()) {
						t.Error("lookup returned expired registration")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	matches, err := r.FindByCapability(ctx, "banking:balance_request")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSweepEvicts(t *testing.T) {
	r := NewRegistry(WithSweepInterval(20 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Stop(ctx) }()

	require.NoError(t, r.Register(ctx, reg("swept", 10*time.Millisecond, "x:y")))

	assert.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.records["swept"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryUnaffectedByContextErrors(t *testing.T) {
	r := NewRegistry()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	// The in-process registry does not block; canceled contexts are fine.
	err := r.Register(canceled, reg("a", time.Minute, "x:y"))
	require.NoError(t, err)

	_, err = r.FindByID(canceled, "a")
	assert.NoError(t, err)
}

func TestServeLookup(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, reg("banking-1", time.Minute, "banking:balance_request")))

	resp, err := ServeLookup(ctx, r, &proto.LookupRequest{Capability: "banking:balance_request"})
	require.NoError(t, err)
	require.Len(t, resp.Registrations, 1)
	assert.Equal(t, "banking-1", resp.Registrations[0].AgentID)

	resp, err = ServeLookup(ctx, r, &proto.LookupRequest{AgentID: "banking-1"})
	require.NoError(t, err)
	require.Len(t, resp.Registrations, 1)

	resp, err = ServeLookup(ctx, r, &proto.LookupRequest{AgentID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, resp.Registrations)
}

func TestWireRoundTrip(t *testing.T) {
	in := reg("wired", 45*time.Second, "a:b", "c:d")

	wire, err := toWire(in)
	require.NoError(t, err)
	out, err := fromWire(wire)
	require.NoError(t, err)

	assert.Equal(t, in.AgentID, out.AgentID)
	assert.Equal(t, in.Capabilities, out.Capabilities)
	assert.Equal(t, in.TTL, out.TTL)
}
