// Package discovery maintains the live directory of agents, their
// capabilities, and endpoints. Lookups are policy-free: callers apply
// their own selection over the returned matches.
package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
)

// DefaultTTL is the registration lifetime when a record does not carry
// its own.
const DefaultTTL = 30 * time.Second

// Registration is one agent's discovery record. An agent must renew
// before the TTL elapses or the record is evicted.
type Registration struct {
	AgentID      string
	Endpoint     string
	Capabilities []string
	Keys         identity.PublicKeys
	TTL          time.Duration
	LastRenewed  time.Time
}

func (r Registration) expired(now time.Time) bool {
	return now.After(r.LastRenewed.Add(r.TTL))
}

// Service is the discovery contract shared by the in-process registry
// and the remote gRPC client.
type Service interface {
	Register(ctx context.Context, reg Registration) error
	Deregister(ctx context.Context, agentID string) error
	Renew(ctx context.Context, agentID string) error
	FindByCapability(ctx context.Context, tag string) ([]Registration, error)
	FindByID(ctx context.Context, agentID string) (Registration, error)
}

// Registry is the in-process discovery service. Eviction is lazy: every
// lookup filters expired records. An optional background sweep compacts
// the map so long-dead records do not accumulate between lookups.
//
// Registry has an explicit lifecycle and is injected into every runtime
// that needs it; there is no package-level instance.
type Registry struct {
	records       map[string]Registration
	mu            sync.RWMutex
	sweepInterval time.Duration
	cancel        context.CancelFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSweepInterval enables the background eviction sweep.
func WithSweepInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sweepInterval = interval
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{records: make(map[string]Registration)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the optional sweep goroutine.
func (r *Registry) Start(ctx context.Context) error {
	if r.sweepInterval <= 0 {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	go r.sweepLoop(ctx)
	return nil
}

// Stop halts the sweep goroutine if one is running.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Register adds or replaces an agent's record. The renewal clock starts
// now regardless of what the caller put in LastRenewed.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if reg.AgentID == "" {
		return fmt.Errorf("registration missing agent ID")
	}
	if reg.TTL <= 0 {
		reg.TTL = DefaultTTL
	}
	reg.LastRenewed = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[reg.AgentID] = reg
	return nil
}

// Deregister removes an agent's record.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[agentID]; !ok {
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	delete(r.records, agentID)
	return nil
}

// Renew extends an agent's TTL. Renewing an expired or unknown record
// fails; the agent must re-register.
func (r *Registry) Renew(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.records[agentID]
	if !ok || reg.expired(time.Now()) {
		delete(r.records, agentID)
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	reg.LastRenewed = time.Now()
	r.records[agentID] = reg
	return nil
}

// FindByCapability returns all live agents advertising the capability
// tag. Expired records are never returned. The result order is not
// specified; callers apply their own selection policy.
func (r *Registry) FindByCapability(ctx context.Context, tag string) ([]Registration, error) {
	now := time.Now()

	r.mu.RLock()
	var matches []Registration
	for _, reg := range r.records {
		if reg.expired(now) {
			continue
		}
		for _, cap := range reg.Capabilities {
			if cap == tag {
				matches = append(matches, reg)
				break
			}
		}
	}
	r.mu.RUnlock()

	return matches, nil
}

// FindByID returns a live agent's record or agent.ErrAgentNotFound.
func (r *Registry) FindByID(ctx context.Context, agentID string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.records[agentID]
	r.mu.RUnlock()

	if !ok || reg.expired(time.Now()) {
		return Registration{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	return reg, nil
}

// sweepLoop periodically removes expired records. Lookups already filter
// them, so the sweep only reclaims memory.
func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	for id, reg := range r.records {
		if reg.expired(now) {
			log.Printf("[Discovery] evicting expired registration %s", id)
			delete(r.records, id)
		}
	}
	r.mu.Unlock()
}
