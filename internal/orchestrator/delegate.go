package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

const (
	SplitRoundRobin = "round_robin"
	SplitExpertise  = "expertise"
)

type DelegateInput struct {
	Task        domain.Task
	Workers     []agent.Handle
	SplitPolicy string
	Timeout     time.Duration
	MaxRetries  int
}

// Delegate splits the task into sub-tasks, assigns each to a worker, and
// runs them concurrently. A failed sub-task marks the report partially
// failed but never suppresses the sibling results.
func (s *Service) Delegate(ctx context.Context, in DelegateInput) (domain.DelegateReport, error) {
	if len(in.Workers) == 0 {
		return domain.DelegateReport{}, ErrNoWorkers
	}
	for _, w := range in.Workers {
		if w == nil {
			return domain.DelegateReport{}, ErrNilAgent
		}
	}
	policy := in.SplitPolicy
	if policy == "" {
		policy = SplitRoundRobin
	}
	if policy != SplitRoundRobin && policy != SplitExpertise {
		return domain.DelegateReport{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, in.SplitPolicy)
	}
	task := in.Task
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	runID := uuid.NewString()
	s.beginRun(ctx, runID, domain.PatternDelegate, map[string]any{
		"task_id":      task.ID,
		"workers":      agentIDs(in.Workers),
		"split_policy": policy,
	})

	subs := splitTask(task, len(in.Workers))
	outcomes := make([]domain.Outcome, len(subs))
	assignments := make(map[string]string, len(subs))
	invs := make([]Invocation, 0, len(subs))
	assigned := make([]int, 0, len(subs))

	for i, sub := range subs {
		var worker agent.Handle
		switch policy {
		case SplitExpertise:
			if ranked := s.selector.Rank(sub, in.Workers); len(ranked) > 0 {
				worker = ranked[0]
			}
		default:
			worker = in.Workers[i%len(in.Workers)]
		}
		if worker == nil {
			outcomes[i] = domain.Outcome{
				TaskID: sub.ID,
				Status: domain.OutcomeStatusFailed,
				Fault:  domain.FaultAgentFailure,
				Err:    "no worker matches required expertise",
			}
			s.recordOutcome(ctx, runID, outcomes[i])
			continue
		}
		assignments[sub.ID] = worker.ID()
		invs = append(invs, Invocation{
			Task:       sub,
			Agent:      worker,
			Timeout:    in.Timeout,
			MaxRetries: in.MaxRetries,
			RunID:      runID,
		})
		assigned = append(assigned, i)
	}

	ran := s.RunMany(ctx, invs)
	for j, i := range assigned {
		outcomes[i] = ran[j]
	}

	partial := false
	for _, o := range outcomes {
		if o.Status != domain.OutcomeStatusSuccess {
			partial = true
			break
		}
	}
	report := domain.DelegateReport{
		RunID:           runID,
		Outcomes:        outcomes,
		Assignments:     assignments,
		PartiallyFailed: partial,
	}
	s.finishRun(ctx, runID, runStatusForOutcomes(outcomes), report, "")
	return report, nil
}

type splitItem struct {
	payload     json.RawMessage
	constraints map[string]string
}

// splitTask derives sub-tasks from the payload. A JSON array yields one
// sub-task per element; an object with an "items" array does the same and
// lets elements carry their own constraints. Anything else fans the whole
// payload out to every worker.
func splitTask(task domain.Task, workerCount int) []domain.Task {
	items, ok := payloadItems(task.Payload)
	if !ok {
		subs := make([]domain.Task, workerCount)
		for i := range subs {
			subs[i] = subTask(task, i, task.Payload, nil)
		}
		return subs
	}
	subs := make([]domain.Task, len(items))
	for i, item := range items {
		subs[i] = subTask(task, i, item.payload, item.constraints)
	}
	return subs
}

func payloadItems(payload json.RawMessage) ([]splitItem, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false
	}
	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) == 0 {
			return nil, false
		}
		items := make([]splitItem, 0, len(arr))
		for _, raw := range arr {
			items = append(items, decodeSplitItem(raw))
		}
		return items, true
	case '{':
		var wrapper struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil || len(wrapper.Items) == 0 {
			return nil, false
		}
		items := make([]splitItem, 0, len(wrapper.Items))
		for _, raw := range wrapper.Items {
			items = append(items, decodeSplitItem(raw))
		}
		return items, true
	default:
		return nil, false
	}
}

func decodeSplitItem(raw json.RawMessage) splitItem {
	var envelope struct {
		Payload     json.RawMessage   `json:"payload"`
		Constraints map[string]string `json:"constraints"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Payload) > 0 {
		return splitItem{payload: envelope.Payload, constraints: envelope.Constraints}
	}
	return splitItem{payload: raw}
}
