package identity

import (
	"fmt"
	"sync"

	"github.com/agentmesh-dev/agentmesh/agent"
)

// KeyRing tracks the public keys of known peers. The codec consults it
// to verify envelope signatures and encrypt payloads; keys are learned
// from discovery registrations.
type KeyRing struct {
	keys map[string]PublicKeys
	mu   sync.RWMutex
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]PublicKeys)}
}

// Put stores or replaces the keys for an agent.
func (k *KeyRing) Put(keys PublicKeys) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keys.AgentID] = keys
}

// Get returns the keys for an agent, or agent.ErrAgentNotFound.
func (k *KeyRing) Get(agentID string) (PublicKeys, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys, ok := k.keys[agentID]
	if !ok {
		return PublicKeys{}, fmt.Errorf("%w: no keys for %s", agent.ErrAgentNotFound, agentID)
	}
	return keys, nil
}

// Remove forgets the keys for an agent.
func (k *KeyRing) Remove(agentID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, agentID)
}
