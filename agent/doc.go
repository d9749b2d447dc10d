// Package agent defines the public contracts of the agentmesh core: the
// Message exchanged between agents, the Runtime lifecycle, capability
// handlers, and the shared error taxonomy.
//
// Implementations live in internal/node; construct a runtime through the
// top-level agentmesh package:
//
//	mesh, err := agentmesh.New(cfg)
//	mesh.RegisterCapability("banking:balance_request", handleBalance)
//	mesh.Start(ctx)
//
// Capability tags are lowercase, colon-delimited "domain:action" strings.
// Request message types conventionally end in "_request" and pair with a
// "_response" reply carrying the request's correlation ID.
package agent
