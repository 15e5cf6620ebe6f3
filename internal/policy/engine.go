// Package policy ranks agents for dispatch. Ranking filters candidates by
// the task's required expertise tags, then orders by observed failure load
// so misbehaving agents drift to the back of fallback chains.
package policy

import (
	"sort"
	"strings"
	"sync"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

type AgentLoad struct {
	AgentID   string  `json:"agent_id"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	TimedOut  int     `json:"timed_out"`
	Load      float64 `json:"load"`
}

type counters struct {
	completed int
	failed    int
	timedOut  int
}

func (c counters) load() float64 {
	total := c.completed + c.failed + c.timedOut
	if total == 0 {
		return 0
	}
	return float64(c.failed+c.timedOut) / float64(total)
}

type Engine struct {
	mu   sync.Mutex
	seen map[string]*counters
}

func New() *Engine {
	return &Engine{seen: make(map[string]*counters)}
}

// Record folds one attempt outcome into the agent's load counters.
func (e *Engine) Record(agentID string, status domain.OutcomeStatus) {
	if agentID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.seen[agentID]
	if c == nil {
		c = &counters{}
		e.seen[agentID] = c
	}
	switch status {
	case domain.OutcomeStatusSuccess:
		c.completed++
	case domain.OutcomeStatusTimedOut:
		c.timedOut++
	default:
		c.failed++
	}
}

// Rank filters candidates to those carrying every tag the task requires,
// then orders them by ascending failure load, ties broken by agent id.
func (e *Engine) Rank(task domain.Task, candidates []agent.Handle) []agent.Handle {
	required := RequiredTags(task.Constraints)
	eligible := make([]agent.Handle, 0, len(candidates))
	for _, h := range candidates {
		if h == nil {
			continue
		}
		if hasAllTags(h.Expertise(), required) {
			eligible = append(eligible, h)
		}
	}
	loads := e.snapshotLoads()
	sort.SliceStable(eligible, func(i, j int) bool {
		li := loads[eligible[i].ID()]
		lj := loads[eligible[j].ID()]
		if li != lj {
			return li < lj
		}
		return eligible[i].ID() < eligible[j].ID()
	})
	return eligible
}

// Loads reports per-agent counters ordered by agent id.
func (e *Engine) Loads() []AgentLoad {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AgentLoad, 0, len(e.seen))
	for id, c := range e.seen {
		out = append(out, AgentLoad{
			AgentID:   id,
			Completed: c.completed,
			Failed:    c.failed,
			TimedOut:  c.timedOut,
			Load:      c.load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (e *Engine) snapshotLoads() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.seen))
	for id, c := range e.seen {
		out[id] = c.load()
	}
	return out
}

// RequiredTags parses the comma separated "requires" constraint.
func RequiredTags(constraints map[string]string) []string {
	raw := strings.TrimSpace(constraints[domain.ConstraintRequires])
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if tag := strings.TrimSpace(p); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func hasAllTags(expertise, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range expertise {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
