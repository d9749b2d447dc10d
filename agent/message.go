package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the standard unit of communication between agents.
// Messages are immutable once created; helpers that appear to modify a
// message return a copy or are only used before the message is sent.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string `json:"id"`

	// SenderID is the agent ID of the originating agent.
	SenderID string `json:"sender_id"`

	// ReceiverID is the agent ID of the destination agent.
	ReceiverID string `json:"receiver_id"`

	// Type identifies the message type, conventionally a capability tag
	// such as "banking:balance_request". Request types suffixed "_request"
	// pair with "_response" replies.
	Type string `json:"type"`

	// Payload contains the message data as a JSON string.
	// Use UnmarshalPayload to deserialize into a specific type.
	Payload string `json:"payload"`

	// CorrelationID links a response to the request that caused it.
	// Empty for fire-and-forget messages.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Timestamp is the ISO 8601 timestamp when the message was created.
	Timestamp string `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload.
// The payload is serialized to JSON. A unique ID and timestamp are
// generated automatically.
func NewMessage(senderID, receiverID, msgType string, payload any) *Message {
	payloadJSON, _ := json.Marshal(payload)
	return &Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       msgType,
		Payload:    string(payloadJSON),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewResponse creates a response to a request message. The response is
// addressed back to the request's sender and carries the request's
// correlation ID (or the request ID when no correlation ID was set).
// The response type is the request type with "_request" replaced by
// "_response", or with "_response" appended when the request type does
// not follow the convention.
func NewResponse(req *Message, payload any) *Message {
	corr := req.CorrelationID
	if corr == "" {
		corr = req.ID
	}
	resp := NewMessage(req.ReceiverID, req.SenderID, ResponseType(req.Type), payload)
	resp.CorrelationID = corr
	return resp
}

// ResponseType derives the conventional response message type for a
// request type.
func ResponseType(requestType string) string {
	const reqSuffix = "_request"
	if len(requestType) > len(reqSuffix) && requestType[len(requestType)-len(reqSuffix):] == reqSuffix {
		return requestType[:len(requestType)-len(reqSuffix)] + "_response"
	}
	return requestType + "_response"
}

// WithCorrelation sets the correlation ID and returns the message for
// chaining. Only valid before the message is handed to a runtime.
func (m *Message) WithCorrelation(correlationID string) *Message {
	m.CorrelationID = correlationID
	return m
}

// IsRequest reports whether the message expects a correlated response.
func (m *Message) IsRequest() bool {
	return m.CorrelationID != ""
}

// UnmarshalPayload deserializes the message payload into the provided
// value. The value should be a pointer to the desired type.
//
//	var req BalanceRequest
//	if err := msg.UnmarshalPayload(&req); err != nil {
//	    return err
//	}
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone creates a copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// String returns a human-readable representation for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, From:%s, To:%s}", m.ID, m.Type, m.SenderID, m.ReceiverID)
}

// ErrorPayload is the payload carried by error responses generated when
// a capability handler fails.
type ErrorPayload struct {
	Error      string `json:"error"`
	Capability string `json:"capability,omitempty"`
}
