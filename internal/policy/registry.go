package policy

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Load parses and validates a definition. Nothing is installed.
func Load(definition []byte, maxDepth int) (*Policy, error) {
	p, err := Parse(definition)
	if err != nil {
		return nil, err
	}
	if err := Validate(p, maxDepth); err != nil {
		return nil, fmt.Errorf("validate policy %s: %w", p.ID, err)
	}
	return p, nil
}

// Registry holds the installed policy of every agent. Installs swap an
// atomic pointer and never block a running tick; a tick works on the
// Snapshot taken at its start.
type Registry struct {
	slots    map[string]*atomic.Pointer[Policy]
	ids      []string
	maxDepth int
}

// NewRegistry creates a slot per agent, each holding fallback.
func NewRegistry(agentIDs []string, fallback *Policy, maxDepth int) *Registry {
	r := &Registry{
		slots:    make(map[string]*atomic.Pointer[Policy], len(agentIDs)),
		ids:      append([]string(nil), agentIDs...),
		maxDepth: maxDepth,
	}
	sort.Strings(r.ids)
	for _, id := range r.ids {
		slot := &atomic.Pointer[Policy]{}
		slot.Store(fallback)
		r.slots[id] = slot
	}
	return r
}

// Install replaces the agent's policy with an already validated one.
func (r *Registry) Install(agentID string, p *Policy) error {
	slot, ok := r.slots[agentID]
	if !ok {
		return fmt.Errorf("install policy: unknown agent %q", agentID)
	}
	if p == nil {
		return fmt.Errorf("install policy: nil policy for %q", agentID)
	}
	slot.Store(p)
	return nil
}

// LoadAndInstall validates definition synchronously and installs it only if
// it is valid.
func (r *Registry) LoadAndInstall(agentID string, definition []byte) (*Policy, error) {
	if _, ok := r.slots[agentID]; !ok {
		return nil, fmt.Errorf("load policy: unknown agent %q", agentID)
	}
	p, err := Load(definition, r.maxDepth)
	if err != nil {
		return nil, err
	}
	return p, r.Install(agentID, p)
}

// Get returns the agent's current policy.
func (r *Registry) Get(agentID string) (*Policy, bool) {
	slot, ok := r.slots[agentID]
	if !ok {
		return nil, false
	}
	return slot.Load(), true
}

// Snapshot reads every slot once.
func (r *Registry) Snapshot() map[string]*Policy {
	out := make(map[string]*Policy, len(r.slots))
	for _, id := range r.ids {
		out[id] = r.slots[id].Load()
	}
	return out
}
