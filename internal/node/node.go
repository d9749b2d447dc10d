// Package node implements the agent runtime: identity, capability
// dispatch, and secure messaging over a persistent transport
// connection.
package node

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/codec"
	"github.com/agentmesh-dev/agentmesh/internal/discovery"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
	"github.com/agentmesh-dev/agentmesh/internal/transport"
	"github.com/agentmesh-dev/agentmesh/pkg/metrics"
)

// DefaultMessageTimeout bounds a request/response round trip.
const DefaultMessageTimeout = 30 * time.Second

// Config holds the settings for one runtime node.
type Config struct {
	// AgentID is the globally unique agent identifier.
	AgentID string

	// ListenAddr is the address the node accepts connections on.
	ListenAddr string

	// Endpoint is the address advertised to discovery. Defaults to the
	// bound listen address.
	Endpoint string

	// Protocol selects the transport backend. Default grpc.
	Protocol transport.Protocol

	// Transport configures heartbeats, timeouts, TLS and reconnect
	// backoff for both directions.
	Transport transport.Options

	// MessageTimeout is the request/response round-trip window.
	MessageTimeout time.Duration

	// SessionTTL bounds the lifetime of sessions this node issues.
	SessionTTL time.Duration

	// IdentityTTL bounds the lifetime of the node's own identity.
	IdentityTTL time.Duration

	// DiscoveryTTL is the registration lease; the node renews at a third
	// of this interval.
	DiscoveryTTL time.Duration

	// MaxMessageSize is the serialized message ceiling in bytes.
	MaxMessageSize int

	// RateLimit throttles inbound messages per sender, in messages per
	// second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size.
	RateBurst int
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = transport.ProtocolGRPC
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = identity.DefaultSessionTTL
	}
	if c.IdentityTTL <= 0 {
		c.IdentityTTL = identity.DefaultTTL
	}
	if c.DiscoveryTTL <= 0 {
		c.DiscoveryTTL = discovery.DefaultTTL
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = codec.DefaultMaxMessageSize
	}
	return c
}

// Node is the runtime for a single agent. It implements agent.Runtime.
type Node struct {
	cfg  Config
	disc discovery.Service
	tr   transport.Transport

	state atomic.Int32

	id    *identity.Identity
	ring  *identity.KeyRing
	auth  *identity.Manager
	codec *codec.Codec

	handlersMu sync.RWMutex
	handlers   map[string]agent.Handler

	pendingMu sync.Mutex
	pending   map[string]chan *agent.Message

	peersMu sync.Mutex
	peers   map[string]*peer

	listener transport.Listener
	endpoint string
	limiter  *senderLimiter

	// inflight counts handler goroutines and outbound deliveries so
	// Stop can flush them.
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

var _ agent.Runtime = (*Node)(nil)

// Option customizes a Node.
type Option func(*Node)

// WithTransport overrides the transport backend. Used by tests and by
// callers embedding a node into an existing server.
func WithTransport(tr transport.Transport) Option {
	return func(n *Node) { n.tr = tr }
}

// New creates an uninitialized node backed by the given discovery
// service.
func New(cfg Config, disc discovery.Service, opts ...Option) *Node {
	n := &Node{
		cfg:      cfg.withDefaults(),
		disc:     disc,
		handlers: make(map[string]agent.Handler),
		pending:  make(map[string]chan *agent.Message),
		peers:    make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns the agent ID.
func (n *Node) ID() string { return n.cfg.AgentID }

// State returns the current lifecycle state.
func (n *Node) State() agent.State { return agent.State(n.state.Load()) }

// Initialize generates the node's identity and wires the codec,
// session manager and transport backend.
func (n *Node) Initialize(ctx context.Context) error {
	if agent.State(n.state.Load()) != agent.StateUninitialized {
		return fmt.Errorf("%w: already initialized", agent.ErrAlreadyStarted)
	}
	if n.cfg.AgentID == "" {
		return fmt.Errorf("agent ID is required")
	}

	id, err := identity.Generate(n.cfg.AgentID, n.cfg.IdentityTTL)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	n.id = id
	n.ring = identity.NewKeyRing()
	n.ring.Put(id.Public())
	n.auth = identity.NewManager(id, n.ring, n.cfg.SessionTTL)
	n.codec = codec.New(id, n.ring, n.cfg.MaxMessageSize)
	n.limiter = newSenderLimiter(n.cfg.RateLimit, n.cfg.RateBurst)

	if n.tr == nil {
		tr, err := transport.New(n.cfg.Protocol, n.cfg.Transport, n.disc)
		if err != nil {
			return err
		}
		n.tr = tr
	}

	n.state.Store(int32(agent.StateInitialized))
	log.Printf("[Node %s] initialized (identity expires %s)", n.cfg.AgentID, id.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Start opens the listener, registers with discovery, and begins
// accepting connections and renewing the registration lease.
func (n *Node) Start(ctx context.Context) error {
	switch agent.State(n.state.Load()) {
	case agent.StateUninitialized:
		return agent.ErrNotInitialized
	case agent.StateStarted:
		return agent.ErrAlreadyStarted
	case agent.StateStopped:
		return fmt.Errorf("%w: node is stopped", agent.ErrNotStarted)
	}

	listener, err := n.tr.Listen(ctx, n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", agent.ErrTransportUnavailable, n.cfg.ListenAddr, err)
	}
	n.listener = listener
	n.endpoint = n.cfg.Endpoint
	if n.endpoint == "" {
		n.endpoint = listener.Addr()
	}

	if err := n.disc.Register(ctx, n.registration()); err != nil {
		listener.Close()
		return fmt.Errorf("register with discovery: %w", err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	go n.acceptLoop(listener)
	go n.renewLoop()

	n.state.Store(int32(agent.StateStarted))
	log.Printf("[Node %s] started on %s (%s)", n.cfg.AgentID, n.endpoint, n.cfg.Protocol)
	return nil
}

// Stop deregisters the node, flushes in-flight work, and closes every
// connection. Waiting is bounded by ctx.
func (n *Node) Stop(ctx context.Context) error {
	if agent.State(n.state.Load()) != agent.StateStarted {
		return agent.ErrNotStarted
	}
	n.state.Store(int32(agent.StateStopped))

	if err := n.disc.Deregister(ctx, n.cfg.AgentID); err != nil {
		log.Printf("[Node %s] deregister failed: %v", n.cfg.AgentID, err)
	}

	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[Node %s] stop deadline reached with work in flight", n.cfg.AgentID)
	}

	n.cancel()
	n.listener.Close()

	n.peersMu.Lock()
	var g errgroup.Group
	for _, p := range n.peers {
		g.Go(p.close)
	}
	n.peers = make(map[string]*peer)
	n.peersMu.Unlock()
	if err := g.Wait(); err != nil {
		log.Printf("[Node %s] closing peer connections: %v", n.cfg.AgentID, err)
	}

	log.Printf("[Node %s] stopped", n.cfg.AgentID)
	return nil
}

// RegisterCapability binds a handler to a capability tag. Must be
// called before Start so the tag is advertised at registration time.
func (n *Node) RegisterCapability(tag string, h agent.Handler) error {
	if agent.State(n.state.Load()) == agent.StateStarted {
		return fmt.Errorf("%w: capabilities must be registered before start", agent.ErrAlreadyStarted)
	}
	if !strings.Contains(tag, ":") {
		return fmt.Errorf("capability tag %q must have the form domain:action", tag)
	}
	if h == nil {
		return fmt.Errorf("capability %q: handler is nil", tag)
	}

	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	if _, exists := n.handlers[tag]; exists {
		return fmt.Errorf("%w: %s", agent.ErrCapabilityRegistered, tag)
	}
	n.handlers[tag] = h
	return nil
}

// Send delivers a fire-and-forget message to the named agent.
func (n *Node) Send(ctx context.Context, receiverID, msgType string, payload any) error {
	if agent.State(n.state.Load()) != agent.StateStarted {
		return agent.ErrNotStarted
	}
	msg := agent.NewMessage(n.cfg.AgentID, receiverID, msgType, payload)
	return n.deliver(ctx, msg)
}

// Request sends a correlated message and waits for the matching
// response. The round-trip window is bounded by MessageTimeout and by
// ctx, whichever ends first.
func (n *Node) Request(ctx context.Context, receiverID, msgType string, payload any) (*agent.Message, error) {
	if agent.State(n.state.Load()) != agent.StateStarted {
		return nil, agent.ErrNotStarted
	}

	msg := agent.NewMessage(n.cfg.AgentID, receiverID, msgType, payload).
		WithCorrelation(uuid.New().String())

	ch := make(chan *agent.Message, 1)
	n.pendingMu.Lock()
	n.pending[msg.CorrelationID] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, msg.CorrelationID)
		n.pendingMu.Unlock()
	}()

	if err := n.deliver(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(n.cfg.MessageTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response to %s from %s within %s",
			agent.ErrResponseTimeout, msgType, receiverID, n.cfg.MessageTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, agent.ErrNotStarted
	}
}

// deliver resolves the receiver, seals the message, and ships it over
// the receiver's persistent connection.
func (n *Node) deliver(ctx context.Context, msg *agent.Message) error {
	n.inflight.Add(1)
	defer n.inflight.Done()

	reg, err := n.disc.FindByID(ctx, msg.ReceiverID)
	if err != nil {
		return err
	}
	n.ring.Put(reg.Keys)

	env, err := n.codec.Encode(msg, reg.Keys)
	if err != nil {
		return err
	}

	p, err := n.peerFor(ctx, reg.Endpoint)
	if err != nil {
		return err
	}
	if err := p.send(ctx, env); err != nil {
		return err
	}
	metrics.RecordMessageSent(msg.Type)
	return nil
}

func (n *Node) registration() discovery.Registration {
	n.handlersMu.RLock()
	caps := make([]string, 0, len(n.handlers))
	for tag := range n.handlers {
		caps = append(caps, tag)
	}
	n.handlersMu.RUnlock()

	return discovery.Registration{
		AgentID:      n.cfg.AgentID,
		Endpoint:     n.endpoint,
		Capabilities: caps,
		Keys:         n.id.Public(),
		TTL:          n.cfg.DiscoveryTTL,
	}
}

// renewLoop keeps the discovery lease alive. A failed renewal falls
// back to a full re-register, which covers the case where the record
// already expired.
func (n *Node) renewLoop() {
	ticker := time.NewTicker(n.cfg.DiscoveryTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.disc.Renew(n.ctx, n.cfg.AgentID); err != nil {
				log.Printf("[Node %s] lease renewal failed, re-registering: %v", n.cfg.AgentID, err)
				if err := n.disc.Register(n.ctx, n.registration()); err != nil {
					log.Printf("[Node %s] re-register failed: %v", n.cfg.AgentID, err)
				}
			}
		}
	}
}

func (n *Node) takePending(correlationID string) chan *agent.Message {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	ch, ok := n.pending[correlationID]
	if ok {
		delete(n.pending, correlationID)
	}
	return ch
}
