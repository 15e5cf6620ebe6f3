package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAgentRegistered = errors.New("agent id is already registered")
	ErrAgentUnknown    = errors.New("agent id is not registered")
)

// Roster is the process-wide registry of executable agents.
type Roster struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func NewRoster() *Roster {
	return &Roster{handles: make(map[string]Handle)}
}

func (r *Roster) Register(h Handle) error {
	if h == nil || h.ID() == "" {
		return fmt.Errorf("agent handle must carry an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAgentRegistered, h.ID())
	}
	r.handles[h.ID()] = h
	return nil
}

func (r *Roster) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// List returns every registered handle ordered by agent id.
func (r *Roster) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Resolve maps agent ids to handles, failing on the first unknown id.
func (r *Roster) Resolve(ids []string) ([]Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(ids))
	for _, id := range ids {
		h, ok := r.handles[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, id)
		}
		out = append(out, h)
	}
	return out, nil
}
