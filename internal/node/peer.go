package node

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/codec"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
	"github.com/agentmesh-dev/agentmesh/internal/transport"
)

// handshakeTimeout bounds one hello/welcome exchange.
const handshakeTimeout = 10 * time.Second

// peer is an authenticated persistent connection to one remote
// endpoint. The handshake runs before any envelope flows, on the
// initial connection and again on every reconnect.
type peer struct {
	node     *Node
	endpoint string
	conn     *transport.PersistentConn

	mu    sync.Mutex
	token string

	// welcome receives handshake replies that arrive after the read
	// loop has taken over the connection (mid-stream re-auth).
	welcome chan *frame
}

// peerFor returns the connection to an endpoint, dialing and
// authenticating on first use.
func (n *Node) peerFor(ctx context.Context, endpoint string) (*peer, error) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if p, ok := n.peers[endpoint]; ok {
		return p, nil
	}

	p := &peer{
		node:     n,
		endpoint: endpoint,
		welcome:  make(chan *frame, 1),
	}
	conn, err := transport.Connect(ctx, n.tr, endpoint, n.cfg.Transport, p.handshake)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	go p.readLoop()

	n.peers[endpoint] = p
	return p, nil
}

// dropPeer removes a dead connection from the cache. The identity
// check keeps a stale read loop from evicting a replacement dialed in
// the meantime.
func (n *Node) dropPeer(endpoint string, p *peer) {
	n.peersMu.Lock()
	if cur, ok := n.peers[endpoint]; ok && cur == p {
		delete(n.peers, endpoint)
		_ = p.conn.Close()
	}
	n.peersMu.Unlock()
}

// handshake authenticates on a fresh connection: send signed
// credentials, wait for the welcome carrying the session token. Runs
// directly on the raw connection before frames are pumped.
func (p *peer) handshake(c transport.Conn) error {
	hello := identity.SignCredentials(p.node.id)
	raw, err := marshalFrame(&frame{Kind: frameHello, Hello: &hello})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := c.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: send hello: %v", agent.ErrTransportUnavailable, err)
	}

	select {
	case reply, ok := <-c.Recv():
		if !ok {
			return fmt.Errorf("%w: connection closed during handshake", agent.ErrTransportUnavailable)
		}
		f, err := parseFrame(reply)
		if err != nil {
			return err
		}
		switch f.Kind {
		case frameWelcome:
			p.setToken(f.Token)
			return nil
		case frameReject:
			return fmt.Errorf("%w: %s", agent.ErrAuthRejected, f.Reason)
		default:
			return fmt.Errorf("%w: unexpected %s frame during handshake", agent.ErrAuthRejected, f.Kind)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: handshake timed out", agent.ErrTransportUnavailable)
	}
}

// send ships one sealed envelope, re-authenticating first if the
// session was invalidated. Re-auth is attempted once per send; a second
// rejection surfaces to the caller.
func (p *peer) send(ctx context.Context, env *codec.Envelope) error {
	tok := p.currentToken()
	if tok == "" {
		if err := p.reauth(ctx); err != nil {
			return err
		}
		tok = p.currentToken()
	}

	raw, err := marshalFrame(&frame{Kind: frameEnvelope, Token: tok, Envelope: env})
	if err != nil {
		return err
	}
	if err := p.conn.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", agent.ErrTransportUnavailable, err)
	}
	return nil
}

// reauth runs a hello/welcome exchange over the live connection. The
// read loop routes the reply into the welcome channel.
func (p *peer) reauth(ctx context.Context) error {
	hello := identity.SignCredentials(p.node.id)
	raw, err := marshalFrame(&frame{Kind: frameHello, Hello: &hello})
	if err != nil {
		return err
	}
	if err := p.conn.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", agent.ErrTransportUnavailable, err)
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case f := <-p.welcome:
		if f.Kind == frameReject {
			return fmt.Errorf("%w: %s", agent.ErrAuthRejected, f.Reason)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: re-authentication timed out", agent.ErrTransportUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop consumes frames arriving on the outbound connection:
// handshake replies and, when a remote replies on the same connection,
// envelopes.
func (p *peer) readLoop() {
	defer func() {
		// Recv closes when the reconnect budget is exhausted or the
		// conn is closed. Evict so the next send re-dials instead of
		// hitting a permanently dead connection.
		if err := p.conn.Err(); err != nil {
			log.Printf("[Node %s] connection to %s terminated: %v", p.node.ID(), p.endpoint, err)
			p.node.dropPeer(p.endpoint, p)
		}
	}()

	for raw := range p.conn.Recv() {
		f, err := parseFrame(raw)
		if err != nil {
			log.Printf("[Node %s] dropping malformed frame from %s: %v", p.node.ID(), p.endpoint, err)
			continue
		}
		switch f.Kind {
		case frameWelcome:
			p.setToken(f.Token)
			p.signal(f)
		case frameReject:
			p.setToken("")
			p.signal(f)
		case frameEnvelope:
			p.node.handleEnvelope(f)
		default:
			log.Printf("[Node %s] dropping unknown %q frame from %s", p.node.ID(), f.Kind, p.endpoint)
		}
	}
}

func (p *peer) signal(f *frame) {
	select {
	case p.welcome <- f:
	default:
	}
}

func (p *peer) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *peer) setToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func (p *peer) close() error {
	return p.conn.Close()
}
