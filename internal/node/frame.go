package node

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh-dev/agentmesh/internal/codec"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
)

// Frame kinds exchanged above the transport layer. A connection starts
// with a hello/welcome handshake; afterwards envelope frames carry
// sealed messages tagged with the sender's session token.
const (
	frameHello    = "hello"
	frameWelcome  = "welcome"
	frameReject   = "reject"
	frameEnvelope = "envelope"
)

type frame struct {
	Kind string `json:"kind"`

	// Hello carries the client's signed challenge.
	Hello *identity.Credentials `json:"hello,omitempty"`

	// Token is the session token: issued in welcome frames, presented
	// in envelope frames.
	Token string `json:"token,omitempty"`

	// Reason explains a reject.
	Reason string `json:"reason,omitempty"`

	// Envelope is the sealed message.
	Envelope *codec.Envelope `json:"envelope,omitempty"`
}

func marshalFrame(f *frame) ([]byte, error) {
	return json.Marshal(f)
}

func parseFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}
