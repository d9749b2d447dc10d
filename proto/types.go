package proto

// DataFrame carries one opaque transport frame on the Open stream.
// A frame with Ping set and no data is a transport heartbeat.
type DataFrame struct {
	Data []byte `json:"data,omitempty"`
	Ping bool   `json:"ping,omitempty"`
}

// Registration mirrors a discovery registration record on the wire.
type Registration struct {
	AgentID      string   `json:"agent_id"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
	Keys         []byte   `json:"keys,omitempty"`
	TTLSeconds   int64    `json:"ttl_seconds"`
}

// RegisterRequest registers or refreshes an agent with discovery.
type RegisterRequest struct {
	Registration *Registration `json:"registration"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Ok bool `json:"ok"`
}

// DeregisterRequest removes an agent from discovery.
type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
}

// DeregisterResponse acknowledges a deregistration.
type DeregisterResponse struct {
	Ok bool `json:"ok"`
}

// RenewRequest extends an agent's registration TTL.
type RenewRequest struct {
	AgentID string `json:"agent_id"`
}

// RenewResponse acknowledges a renewal.
type RenewResponse struct {
	Ok bool `json:"ok"`
}

// LookupRequest finds agents by capability tag or by agent ID.
// Exactly one of Capability or AgentID is set.
type LookupRequest struct {
	Capability string `json:"capability,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// LookupResponse lists the live registrations matching a lookup.
type LookupResponse struct {
	Registrations []*Registration `json:"registrations"`
}
