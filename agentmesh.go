// Package agentmesh wires the mesh components together: a runtime node
// for an agent identity, a discovery registry, and a workflow engine,
// all built from one configuration.
package agentmesh

import (
	"context"
	"fmt"
	"log"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/discovery"
	"github.com/agentmesh-dev/agentmesh/internal/node"
	"github.com/agentmesh-dev/agentmesh/internal/observability"
	"github.com/agentmesh-dev/agentmesh/internal/orchestrator"
	"github.com/agentmesh-dev/agentmesh/internal/retry"
	"github.com/agentmesh-dev/agentmesh/internal/transport"
	"github.com/agentmesh-dev/agentmesh/pkg/config"
	"github.com/agentmesh-dev/agentmesh/pkg/metrics"
)

// Version is set via ldflags at release time.
var Version = "dev"

// Mesh is one process's view of the mesh: a node plus the services it
// runs alongside it.
type Mesh struct {
	cfg      *config.Config
	node     *node.Node
	registry *discovery.Registry // nil when using a remote registry
	disc     discovery.Service
	engine   *orchestrator.Engine
	store    orchestrator.Store
	metrics  *metrics.Server

	closeDisc func() error
}

// New builds a mesh process from configuration. Capabilities are
// registered on the returned mesh before Start.
func New(cfg *config.Config) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	if err := observability.Init(observability.Config{
		ServiceName: "agentmesh",
		Exporter:    cfg.TraceExporter,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	m := &Mesh{cfg: cfg}

	opts := transport.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.Timeouts.Connect,
		Retry:             retryPolicy(cfg.MaxRetryAttempts),
	}
	if cfg.TLS.Enabled {
		opts.TLS = &transport.TLSConfig{
			Enabled:    true,
			CertFile:   cfg.TLS.CertFile,
			KeyFile:    cfg.TLS.KeyFile,
			CAFile:     cfg.TLS.CAFile,
			ServerName: cfg.TLS.ServerName,
		}
	}

	if cfg.Discovery.Endpoint != "" {
		client, closeFn, err := transport.NewGRPC(opts, nil).DialClient(cfg.Discovery.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("connect to discovery at %s: %w", cfg.Discovery.Endpoint, err)
		}
		m.disc = discovery.NewRemote(client)
		m.closeDisc = closeFn
	} else {
		var regOpts []discovery.RegistryOption
		if cfg.Discovery.SweepInterval > 0 {
			regOpts = append(regOpts, discovery.WithSweepInterval(cfg.Discovery.SweepInterval))
		}
		m.registry = discovery.NewRegistry(regOpts...)
		m.disc = m.registry
	}

	m.node = node.New(node.Config{
		AgentID:        cfg.AgentID,
		ListenAddr:     cfg.ListenAddr,
		Endpoint:       cfg.Endpoint,
		Protocol:       transport.Protocol(cfg.Protocol),
		Transport:      opts,
		MessageTimeout: cfg.Timeouts.Message,
		SessionTTL:     cfg.SessionTTL,
		DiscoveryTTL:   cfg.Discovery.TTL,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, m.disc)

	if cfg.Redis.Addr != "" {
		store, err := orchestrator.NewRedisStore(orchestrator.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect workflow store: %w", err)
		}
		m.store = store
	} else {
		m.store = orchestrator.NewMemoryStore()
	}

	m.engine = orchestrator.New(m.node, m.disc,
		orchestrator.WithStore(m.store),
		orchestrator.WithBudget(cfg.Timeouts.Workflow),
		orchestrator.WithRetryPolicy(retryPolicy(cfg.MaxRetryAttempts)),
	)

	if cfg.MetricsPort > 0 {
		metrics.Init()
		m.metrics = metrics.NewServer(cfg.MetricsPort)
	}

	return m, nil
}

// Node returns the agent runtime.
func (m *Mesh) Node() agent.Runtime { return m.node }

// Engine returns the workflow engine.
func (m *Mesh) Engine() *orchestrator.Engine { return m.engine }

// RegisterCapability binds a handler on the underlying node. Must be
// called before Start.
func (m *Mesh) RegisterCapability(tag string, h agent.Handler) error {
	return m.node.RegisterCapability(tag, h)
}

// Start brings the mesh up: registry sweep, node lifecycle, metrics
// server.
func (m *Mesh) Start(ctx context.Context) error {
	if m.registry != nil {
		if err := m.registry.Start(ctx); err != nil {
			return err
		}
	}
	if err := m.node.Initialize(ctx); err != nil {
		return err
	}
	if err := m.node.Start(ctx); err != nil {
		return err
	}
	if m.metrics != nil {
		go func() {
			if err := m.metrics.Start(); err != nil {
				log.Printf("[Mesh] metrics server: %v", err)
			}
		}()
	}
	return nil
}

// Stop shuts the mesh down gracefully, bounded by ctx.
func (m *Mesh) Stop(ctx context.Context) error {
	var firstErr error
	if err := m.node.Stop(ctx); err != nil {
		firstErr = err
	}
	if m.registry != nil {
		if err := m.registry.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.metrics != nil {
		if err := m.metrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.closeDisc != nil {
		_ = m.closeDisc()
	}
	observability.Shutdown(ctx)
	return firstErr
}

func retryPolicy(maxAttempts int) retry.Policy {
	p := retry.DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	return p
}
