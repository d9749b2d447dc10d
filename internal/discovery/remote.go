package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/identity"
	"github.com/agentmesh-dev/agentmesh/proto"
)

// Remote is a discovery client backed by another node's mesh service,
// letting distributed nodes share one registry. It implements Service.
type Remote struct {
	client proto.MeshServiceClient
}

// NewRemote wraps a mesh service client as a discovery Service.
func NewRemote(client proto.MeshServiceClient) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Register(ctx context.Context, reg Registration) error {
	wire, err := toWire(reg)
	if err != nil {
		return err
	}
	_, err = r.client.Register(ctx, &proto.RegisterRequest{Registration: wire})
	return err
}

func (r *Remote) Deregister(ctx context.Context, agentID string) error {
	_, err := r.client.Deregister(ctx, &proto.DeregisterRequest{AgentID: agentID})
	return err
}

func (r *Remote) Renew(ctx context.Context, agentID string) error {
	_, err := r.client.Renew(ctx, &proto.RenewRequest{AgentID: agentID})
	return err
}

func (r *Remote) FindByCapability(ctx context.Context, tag string) ([]Registration, error) {
	resp, err := r.client.Lookup(ctx, &proto.LookupRequest{Capability: tag})
	if err != nil {
		return nil, err
	}
	regs := make([]Registration, 0, len(resp.Registrations))
	for _, wire := range resp.Registrations {
		reg, err := fromWire(wire)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (r *Remote) FindByID(ctx context.Context, agentID string) (Registration, error) {
	resp, err := r.client.Lookup(ctx, &proto.LookupRequest{AgentID: agentID})
	if err != nil {
		return Registration{}, err
	}
	if len(resp.Registrations) == 0 {
		return Registration{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	return fromWire(resp.Registrations[0])
}

func toWire(reg Registration) (*proto.Registration, error) {
	keys, err := json.Marshal(reg.Keys)
	if err != nil {
		return nil, fmt.Errorf("marshal registration keys: %w", err)
	}
	return &proto.Registration{
		AgentID:      reg.AgentID,
		Endpoint:     reg.Endpoint,
		Capabilities: reg.Capabilities,
		Keys:         keys,
		TTLSeconds:   int64(reg.TTL / time.Second),
	}, nil
}

func fromWire(wire *proto.Registration) (Registration, error) {
	var keys identity.PublicKeys
	if len(wire.Keys) > 0 {
		if err := json.Unmarshal(wire.Keys, &keys); err != nil {
			return Registration{}, fmt.Errorf("unmarshal registration keys: %w", err)
		}
	}
	return Registration{
		AgentID:      wire.AgentID,
		Endpoint:     wire.Endpoint,
		Capabilities: wire.Capabilities,
		Keys:         keys,
		TTL:          time.Duration(wire.TTLSeconds) * time.Second,
	}, nil
}

// ServeLookup answers a wire lookup against a local Service. The node's
// gRPC server delegates its discovery methods here.
func ServeLookup(ctx context.Context, svc Service, req *proto.LookupRequest) (*proto.LookupResponse, error) {
	var regs []Registration
	if req.AgentID != "" {
		reg, err := svc.FindByID(ctx, req.AgentID)
		if err == nil {
			regs = []Registration{reg}
		}
	} else {
		var err error
		regs, err = svc.FindByCapability(ctx, req.Capability)
		if err != nil {
			return nil, err
		}
	}

	resp := &proto.LookupResponse{Registrations: make([]*proto.Registration, 0, len(regs))}
	for _, reg := range regs {
		wire, err := toWire(reg)
		if err != nil {
			return nil, err
		}
		resp.Registrations = append(resp.Registrations, wire)
	}
	return resp, nil
}

// ServeRegister applies a wire registration to a local Service.
func ServeRegister(ctx context.Context, svc Service, req *proto.RegisterRequest) (*proto.RegisterResponse, error) {
	if req.Registration == nil {
		return nil, fmt.Errorf("empty registration")
	}
	reg, err := fromWire(req.Registration)
	if err != nil {
		return nil, err
	}
	if err := svc.Register(ctx, reg); err != nil {
		return nil, err
	}
	return &proto.RegisterResponse{Ok: true}, nil
}
