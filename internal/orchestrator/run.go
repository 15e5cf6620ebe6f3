package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

// Invocation is one unit of work for the execution core. MaxRetries < 0
// disables retries, 0 uses the service default. Fallbacks are filtered to
// agents sharing at least one expertise tag with the primary, then ranked.
type Invocation struct {
	Task       domain.Task
	Agent      agent.Handle
	Fallbacks  []agent.Handle
	Timeout    time.Duration
	MaxRetries int
	RunID      string
}

// Run executes one invocation to a terminal outcome. It never returns an
// error: agent failures, timeouts, and exhausted fallbacks are encoded on
// the returned Outcome.
func (s *Service) Run(ctx context.Context, inv Invocation) domain.Outcome {
	if inv.Agent == nil {
		return domain.Outcome{
			TaskID: inv.Task.ID,
			Status: domain.OutcomeStatusFailed,
			Fault:  domain.FaultAgentFailure,
			Err:    ErrNilAgent.Error(),
		}
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.cfg.AttemptTimeout
	}
	retries := inv.MaxRetries
	if retries == 0 {
		retries = s.cfg.MaxRetries
	}
	if retries < 0 {
		retries = 0
	}

	chain := s.fallbackChain(inv)
	var last domain.Outcome
	for i, h := range chain {
		if i > 0 {
			if ctx.Err() != nil {
				return last
			}
			s.event(ctx, inv.RunID, domain.RunEventFallback, h.ID(),
				fmt.Sprintf("task=%s after=%s", inv.Task.ID, chain[i-1].ID()), nil)
		}
		outcome, stopped := s.runAttempts(ctx, inv.RunID, inv.Task, h, timeout, retries)
		last = outcome
		if outcome.Status == domain.OutcomeStatusSuccess || stopped {
			return outcome
		}
	}
	if len(chain) > 1 {
		// The whole fallback chain was tried and nothing succeeded.
		last.Status = domain.OutcomeStatusFailed
		last.Fault = domain.FaultAllFallbacksExhausted
	}
	return last
}

// RunTask persists the invocation as its own run record and executes it.
func (s *Service) RunTask(ctx context.Context, inv Invocation) domain.Outcome {
	if inv.Agent == nil {
		return s.Run(ctx, inv)
	}
	if inv.Task.ID == "" {
		inv.Task.ID = uuid.NewString()
	}
	inv.RunID = uuid.NewString()
	s.beginRun(ctx, inv.RunID, domain.PatternRun, map[string]any{
		"task_id": inv.Task.ID,
		"agent":   inv.Agent.ID(),
	})
	outcome := s.Run(ctx, inv)
	status := domain.RunStatusSucceeded
	if outcome.Status != domain.OutcomeStatusSuccess {
		status = domain.RunStatusFailed
	}
	s.finishRun(ctx, inv.RunID, status, outcome, outcome.Err)
	return outcome
}

// RunMany executes invocations concurrently, bounded by MaxConcurrent.
// Results preserve submission order and failed outcomes are returned in
// place, never dropped. Siblings are not cancelled when one fails.
func (s *Service) RunMany(ctx context.Context, invs []Invocation) []domain.Outcome {
	results := make([]domain.Outcome, len(invs))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, inv := range invs {
		g.Go(func() error {
			results[i] = s.Run(ctx, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) runAttempts(ctx context.Context, runID string, task domain.Task, h agent.Handle, timeout time.Duration, retries int) (domain.Outcome, bool) {
	var last domain.Outcome
	for attempt := 1; attempt <= retries+1; attempt++ {
		if ctx.Err() != nil {
			return stoppedOutcome(last, task, h, ctx.Err().Error()), true
		}
		if task.Deadline != nil && time.Now().After(*task.Deadline) {
			return stoppedOutcome(last, task, h, "task deadline exceeded"), true
		}
		outcome := s.attempt(ctx, task, h, timeout, attempt)
		s.recordOutcome(ctx, runID, outcome)
		last = outcome
		if outcome.Status == domain.OutcomeStatusSuccess {
			return outcome, false
		}
		if attempt <= retries {
			wait := time.Duration(attempt) * s.cfg.RetryBackoff
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last, true
			case <-timer.C:
			}
		}
	}
	return last, false
}

type agentReply struct {
	res agent.Result
	err error
}

func (s *Service) attempt(ctx context.Context, task domain.Task, h agent.Handle, timeout time.Duration, attempt int) domain.Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := domain.Outcome{
		TaskID:  task.ID,
		AgentID: h.ID(),
		Attempt: attempt,
	}

	started := time.Now()
	done := make(chan agentReply, 1)
	if err := s.pool.Submit(func() {
		res, execErr := h.Execute(attemptCtx, task)
		done <- agentReply{res: res, err: execErr}
	}); err != nil {
		outcome.Status = domain.OutcomeStatusFailed
		outcome.Fault = domain.FaultAgentFailure
		outcome.Err = fmt.Sprintf("submit attempt: %v", err)
		return outcome
	}

	select {
	case reply := <-done:
		outcome.ElapsedMS = time.Since(started).Milliseconds()
		if reply.err != nil {
			if errors.Is(reply.err, context.DeadlineExceeded) {
				outcome.Status = domain.OutcomeStatusTimedOut
				outcome.Fault = domain.FaultAgentTimeout
			} else {
				outcome.Status = domain.OutcomeStatusFailed
				outcome.Fault = domain.FaultAgentFailure
			}
			outcome.Err = reply.err.Error()
			return outcome
		}
		outcome.Status = domain.OutcomeStatusSuccess
		outcome.Value = reply.res.Value
		outcome.Confidence = clamp01(reply.res.Confidence)
		return outcome
	case <-attemptCtx.Done():
		outcome.ElapsedMS = time.Since(started).Milliseconds()
		outcome.Status = domain.OutcomeStatusTimedOut
		outcome.Fault = domain.FaultAgentTimeout
		outcome.Err = attemptCtx.Err().Error()
		return outcome
	}
}

// stoppedOutcome is returned when retries halt before the next attempt,
// either on caller cancellation or a lapsed task deadline.
func stoppedOutcome(last domain.Outcome, task domain.Task, h agent.Handle, reason string) domain.Outcome {
	if last.Status != "" {
		return last
	}
	return domain.Outcome{
		TaskID:  task.ID,
		AgentID: h.ID(),
		Status:  domain.OutcomeStatusTimedOut,
		Fault:   domain.FaultAgentTimeout,
		Err:     reason,
	}
}

func (s *Service) fallbackChain(inv Invocation) []agent.Handle {
	chain := []agent.Handle{inv.Agent}
	if len(inv.Fallbacks) == 0 {
		return chain
	}
	primaryTags := inv.Agent.Expertise()
	seen := map[string]bool{inv.Agent.ID(): true}
	eligible := make([]agent.Handle, 0, len(inv.Fallbacks))
	for _, h := range inv.Fallbacks {
		if h == nil || seen[h.ID()] {
			continue
		}
		seen[h.ID()] = true
		if sharesTag(primaryTags, h.Expertise()) {
			eligible = append(eligible, h)
		}
	}
	return append(chain, s.selector.Rank(inv.Task, eligible)...)
}

func sharesTag(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
