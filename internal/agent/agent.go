// Package agent defines the executor contract the orchestrator dispatches
// work to, plus the local and remote implementations shipped with the
// service.
package agent

import (
	"context"
	"encoding/json"

	"agent_ensemble/internal/domain"
)

// Result is what an agent hands back for a single task execution. Confidence
// is the agent's self-reported certainty in [0, 1]; the orchestrator clamps
// values outside that range.
type Result struct {
	Value      json.RawMessage `json:"value,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Handle is a single executor the orchestrator can invoke. Execute must
// honor ctx cancellation; a returned error marks the attempt failed.
type Handle interface {
	ID() string
	Expertise() []string
	Execute(ctx context.Context, task domain.Task) (Result, error)
}

// Func adapts a plain function into a Handle. It is the cheapest way to
// stand up an agent in tests and demos.
type Func struct {
	id        string
	expertise []string
	fn        func(ctx context.Context, task domain.Task) (Result, error)
}

func NewFunc(id string, expertise []string, fn func(ctx context.Context, task domain.Task) (Result, error)) *Func {
	return &Func{id: id, expertise: expertise, fn: fn}
}

func (f *Func) ID() string { return f.id }

func (f *Func) Expertise() []string { return f.expertise }

func (f *Func) Execute(ctx context.Context, task domain.Task) (Result, error) {
	return f.fn(ctx, task)
}
