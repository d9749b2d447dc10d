package node

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/observability"
	"github.com/agentmesh-dev/agentmesh/internal/transport"
	"github.com/agentmesh-dev/agentmesh/pkg/metrics"
)

func (n *Node) acceptLoop(l transport.Listener) {
	for c := range l.Accept() {
		go n.serveConn(c)
	}
}

// serveConn runs one inbound connection. The first frame must be a
// hello; a failed handshake closes the connection. Afterwards envelope
// frames are dispatched, and the client may re-hello at any point to
// refresh its session.
func (n *Node) serveConn(c transport.Conn) {
	defer c.Close()

	for {
		select {
		case <-n.ctx.Done():
			return
		case raw, ok := <-c.Recv():
			if !ok {
				return
			}
			f, err := parseFrame(raw)
			if err != nil {
				metrics.RecordMessageDropped("malformed")
				log.Printf("[Node %s] dropping malformed frame: %v", n.ID(), err)
				continue
			}
			switch f.Kind {
			case frameHello:
				if !n.handleHello(c, f) {
					return
				}
			case frameEnvelope:
				n.dispatchFrame(c, f)
			default:
				metrics.RecordMessageDropped("unknown_frame")
				log.Printf("[Node %s] dropping unknown %q frame", n.ID(), f.Kind)
			}
		}
	}
}

// handleHello authenticates a client and issues a session token.
// Returns false when the connection should be closed.
func (n *Node) handleHello(c transport.Conn, f *frame) bool {
	if f.Hello == nil {
		n.sendFrame(c, &frame{Kind: frameReject, Reason: "missing credentials"})
		return false
	}
	sess, err := n.auth.CreateSession(*f.Hello)
	if err != nil {
		log.Printf("[Node %s] rejecting %s: %v", n.ID(), f.Hello.AgentID, err)
		n.sendFrame(c, &frame{Kind: frameReject, Reason: "authentication rejected"})
		return false
	}
	n.sendFrame(c, &frame{Kind: frameWelcome, Token: sess.Token})
	return true
}

// dispatchFrame validates, decodes and routes one envelope frame. An
// invalid session gets a reject so the client can re-authenticate; the
// connection stays open.
func (n *Node) dispatchFrame(c transport.Conn, f *frame) {
	clientID, err := n.auth.ValidateSession(f.Token)
	if err != nil {
		metrics.RecordMessageDropped("unauthenticated")
		n.sendFrame(c, &frame{Kind: frameReject, Reason: "session invalid"})
		return
	}
	if f.Envelope == nil {
		metrics.RecordMessageDropped("malformed")
		return
	}
	if f.Envelope.SenderID != clientID {
		metrics.RecordMessageDropped("sender_mismatch")
		log.Printf("[Node %s] dropping envelope: session %s, claimed sender %s", n.ID(), clientID, f.Envelope.SenderID)
		return
	}
	if !n.limiter.allow(clientID) {
		metrics.RecordMessageDropped("rate_limited")
		log.Printf("[Node %s] rate limiting %s", n.ID(), clientID)
		return
	}
	n.routeEnvelope(f)
}

// handleEnvelope handles an envelope arriving on an outbound
// connection. The sender still needs a valid session with this node.
func (n *Node) handleEnvelope(f *frame) {
	if _, err := n.auth.ValidateSession(f.Token); err != nil {
		metrics.RecordMessageDropped("unauthenticated")
		return
	}
	if f.Envelope == nil {
		metrics.RecordMessageDropped("malformed")
		return
	}
	n.routeEnvelope(f)
}

// routeEnvelope opens a sealed envelope and routes the message: a
// correlated response completes its pending request; everything else
// goes to the capability handler.
func (n *Node) routeEnvelope(f *frame) {
	msg, err := n.codec.Decode(f.Envelope)
	if err != nil {
		metrics.RecordMessageDropped("integrity")
		log.Printf("[Node %s] dropping envelope from %s: %v", n.ID(), f.Envelope.SenderID, err)
		return
	}
	if msg.ReceiverID != n.ID() {
		metrics.RecordMessageDropped("misaddressed")
		log.Printf("[Node %s] dropping message addressed to %s", n.ID(), msg.ReceiverID)
		return
	}
	metrics.RecordMessageReceived(msg.Type)

	if msg.CorrelationID != "" {
		if ch := n.takePending(msg.CorrelationID); ch != nil {
			ch <- msg
			return
		}
	}

	n.handlersMu.RLock()
	h, ok := n.handlers[msg.Type]
	n.handlersMu.RUnlock()
	if !ok {
		metrics.RecordMessageDropped("no_handler")
		log.Printf("[Node %s] no handler for message type %q from %s", n.ID(), msg.Type, msg.SenderID)
		return
	}

	n.inflight.Add(1)
	go n.runHandler(h, msg)
}

// runHandler executes a capability handler in its own goroutine. A
// panic is contained and reported like a handler error. Correlated
// requests always get a response, carrying either the result or an
// error payload.
func (n *Node) runHandler(h agent.Handler, msg *agent.Message) {
	defer n.inflight.Done()

	ctx, span := observability.StartSpan(n.ctx, "node.handle",
		trace.WithAttributes(
			attribute.String("message.type", msg.Type),
			attribute.String("message.sender", msg.SenderID),
		))
	defer span.End()

	start := time.Now()
	result, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, msg)
	}()
	metrics.RecordHandler(msg.Type, time.Since(start), err)

	if err != nil {
		log.Printf("[Node %s] handler %s failed: %v", n.ID(), msg.Type, err)
		if !msg.IsRequest() {
			return
		}
		herr := &agent.HandlerError{Capability: msg.Type, Err: err}
		resp := agent.NewResponse(msg, agent.ErrorPayload{Error: herr.Error(), Capability: msg.Type})
		if derr := n.deliver(ctx, resp); derr != nil {
			log.Printf("[Node %s] error response to %s undeliverable: %v", n.ID(), msg.SenderID, derr)
		}
		return
	}

	if !msg.IsRequest() {
		return
	}
	resp := agent.NewResponse(msg, result)
	if derr := n.deliver(ctx, resp); derr != nil {
		log.Printf("[Node %s] response to %s undeliverable: %v", n.ID(), msg.SenderID, derr)
	}
}

func (n *Node) sendFrame(c transport.Conn, f *frame) {
	raw, err := marshalFrame(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := c.Send(ctx, raw); err != nil {
		log.Printf("[Node %s] send %s frame failed: %v", n.ID(), f.Kind, err)
	}
}
