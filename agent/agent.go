package agent

import "context"

// Handler processes messages dispatched to a registered capability.
// Handlers run concurrently with each other and with the receive loop;
// they may block on I/O. The returned payload is serialized into a
// response message when the incoming message carries a correlation ID.
//
// A handler returning an error never crashes the runtime: the error is
// converted into an error response (request/response) or logged
// (fire-and-forget).
type Handler func(ctx context.Context, msg *Message) (any, error)

// State describes the lifecycle of a runtime instance.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateStarted
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Runtime is the base unit of the mesh: it holds an identity, a
// capability set, and a message dispatch loop.
//
// The lifecycle is Uninitialized -> Initialized -> Started -> Stopped.
// Initialize generates or loads the identity and wires transport and
// codec. Start opens the connection, registers capabilities with
// discovery, and begins the receive loop. Stop deregisters, flushes
// in-flight sends, and closes the connection.
type Runtime interface {
	// ID returns the globally unique agent ID. Valid after Initialize.
	ID() string

	// State returns the current lifecycle state.
	State() State

	// Initialize prepares the runtime: identity, transport, codec.
	Initialize(ctx context.Context) error

	// Start connects, registers capabilities, and begins receiving.
	Start(ctx context.Context) error

	// Stop deregisters and shuts the runtime down gracefully.
	Stop(ctx context.Context) error

	// RegisterCapability binds a handler to a capability tag of the form
	// "domain:action". Must be called before Start so the capability is
	// advertised at registration time.
	RegisterCapability(tag string, h Handler) error

	// Send delivers a fire-and-forget message to the named agent.
	Send(ctx context.Context, receiverID, msgType string, payload any) error

	// Request sends a correlated message and waits for the matching
	// response, or fails with ErrResponseTimeout when the round-trip
	// window elapses.
	Request(ctx context.Context, receiverID, msgType string, payload any) (*Message, error)
}
