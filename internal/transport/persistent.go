package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/discovery"
)

// New constructs the backend selected by protocol. disc is only served
// by the gRPC backend; the WebSocket backend carries frames only and
// relies on an in-process or gRPC-reachable registry.
func New(protocol Protocol, opts Options, disc discovery.Service) (Transport, error) {
	switch protocol {
	case ProtocolGRPC, "":
		return NewGRPC(opts, disc), nil
	case ProtocolWebSocket:
		return NewWebSocket(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport protocol %q", protocol)
	}
}

// PersistentConn wraps a dialed connection with automatic reconnect.
// Its Recv channel survives reconnects; it closes only when the retry
// ceiling is exceeded or the conn is explicitly closed, at which point
// Err reports why.
type PersistentConn struct {
	dialer   Dialer
	endpoint string
	opts     Options

	recv   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	raw    Conn
	err    error
	closed bool

	// onConnect runs on every fresh connection, including the first,
	// before frames flow. The node uses it for the session handshake.
	onConnect func(Conn) error
}

// Connect dials the endpoint, retrying per the backoff policy. Failure
// to establish within the retry ceiling returns
// agent.ErrTransportUnavailable. onConnect, when non-nil, runs on every
// established connection (initial and reconnects) before frames flow;
// its failure counts as a connection failure.
func Connect(ctx context.Context, d Dialer, endpoint string, opts Options, onConnect func(Conn) error) (*PersistentConn, error) {
	opts = opts.withDefaults()

	p := &PersistentConn{
		dialer:    d,
		endpoint:  endpoint,
		opts:      opts,
		recv:      make(chan []byte, 64),
		done:      make(chan struct{}),
		onConnect: onConnect,
	}

	raw, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if p.onConnect != nil {
		if err := p.onConnect(raw); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}
	p.raw = raw

	go p.supervise()
	return p, nil
}

func (p *PersistentConn) dial(ctx context.Context) (Conn, error) {
	var raw Conn
	err := p.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var dialErr error
		raw, dialErr = p.dialer.Dial(ctx, p.endpoint)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", agent.ErrTransportUnavailable, p.endpoint, err)
	}
	return raw, nil
}

// supervise pumps frames from the current raw connection and replaces
// it when it dies. Recv stays open across replacements.
func (p *PersistentConn) supervise() {
	defer close(p.recv)

	for {
		p.mu.Lock()
		raw := p.raw
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		for frame := range raw.Recv() {
			select {
			case p.recv <- frame:
			case <-p.done:
				return
			}
		}

		// Raw connection died. Reconnect unless we are shutting down.
		select {
		case <-p.done:
			return
		default:
		}

		log.Printf("[Transport] connection to %s lost, reconnecting", p.endpoint)
		next, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.closed = true
			p.mu.Unlock()
			return
		}
		if p.onConnect != nil {
			if err := p.onConnect(next); err != nil {
				log.Printf("[Transport] reconnect handshake to %s failed: %v", p.endpoint, err)
				_ = next.Close()
				p.mu.Lock()
				p.err = fmt.Errorf("%w: reconnect handshake: %v", agent.ErrTransportUnavailable, err)
				p.closed = true
				p.mu.Unlock()
				return
			}
		}

		p.mu.Lock()
		p.raw = next
		p.mu.Unlock()
	}
}

// Send delivers a frame on the current connection.
func (p *PersistentConn) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	raw, closed, err := p.raw, p.closed, p.err
	p.mu.Unlock()

	if closed {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: connection closed", agent.ErrTransportUnavailable)
	}
	return raw.Send(ctx, frame)
}

// Recv returns the frame channel shared across reconnects.
func (p *PersistentConn) Recv() <-chan []byte { return p.recv }

// Err reports why the connection terminated, if it has.
func (p *PersistentConn) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close shuts the connection down permanently.
func (p *PersistentConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	raw := p.raw
	p.mu.Unlock()

	close(p.done)
	return raw.Close()
}
