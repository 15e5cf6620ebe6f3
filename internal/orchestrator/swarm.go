package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

type SwarmInput struct {
	Task       domain.Task
	Agents     []agent.Handle
	MaxRounds  int
	DecayRate  float64
	Epsilon    float64
	Timeout    time.Duration
	MaxRetries int
}

// RunSwarm coordinates agents indirectly through a shared signal field.
// Each round every agent sees the same field snapshot, runs once, and its
// deposits are folded in; the field then decays exactly once. Rounds stop
// when total intensity moves less than epsilon or the budget runs out.
func (s *Service) RunSwarm(ctx context.Context, in SwarmInput) (domain.SwarmReport, error) {
	if len(in.Agents) == 0 {
		return domain.SwarmReport{}, ErrNoAgents
	}
	for _, h := range in.Agents {
		if h == nil {
			return domain.SwarmReport{}, ErrNilAgent
		}
	}
	maxRounds := in.MaxRounds
	if maxRounds == 0 {
		maxRounds = s.cfg.SwarmMaxRounds
	}
	if maxRounds < 0 {
		return domain.SwarmReport{}, ErrZeroRounds
	}
	decay := in.DecayRate
	if decay == 0 {
		decay = s.cfg.SwarmDecayRate
	}
	if decay < 0 || decay >= 1 {
		return domain.SwarmReport{}, fmt.Errorf("%w: %v", ErrBadDecayRate, in.DecayRate)
	}
	epsilon := in.Epsilon
	if epsilon == 0 {
		epsilon = s.cfg.SwarmEpsilon
	}
	if epsilon < 0 {
		return domain.SwarmReport{}, fmt.Errorf("%w: %v", ErrBadEpsilon, in.Epsilon)
	}
	task := in.Task
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	runID := uuid.NewString()
	s.beginRun(ctx, runID, domain.PatternSwarm, map[string]any{
		"task_id":    task.ID,
		"agents":     agentIDs(in.Agents),
		"max_rounds": maxRounds,
		"decay_rate": decay,
		"epsilon":    epsilon,
	})

	field := newSignalField()
	prevTotal := 0.0
	roundsUsed := 0
	stabilized := false
	failedSteps := 0
	var failedMu sync.Mutex

	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		if task.Deadline != nil && time.Now().After(*task.Deadline) {
			break
		}
		roundsUsed = round
		snapshot := field.snapshot()
		stepTask := swarmStepTask(task, round, snapshot)

		var wg sync.WaitGroup
		for _, h := range in.Agents {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome := s.Run(ctx, Invocation{
					Task:       stepTask,
					Agent:      h,
					Timeout:    in.Timeout,
					MaxRetries: in.MaxRetries,
					RunID:      runID,
				})
				if outcome.Status != domain.OutcomeStatusSuccess {
					failedMu.Lock()
					failedSteps++
					failedMu.Unlock()
					return
				}
				for _, d := range parseDeposits(outcome.Value) {
					field.deposit(d.Cell, d.Tag, d.Intensity)
				}
			}()
		}
		wg.Wait()

		field.decay(decay)
		total := field.total()
		delta := math.Abs(total - prevTotal)
		prevTotal = total
		s.event(ctx, runID, domain.RunEventSwarmRound, "",
			fmt.Sprintf("round=%d total=%.4f delta=%.4f", round, total, delta), nil)
		if delta < epsilon {
			stabilized = true
			break
		}
	}

	readout := field.readout()
	report := domain.SwarmReport{
		RunID:          runID,
		Readout:        readout,
		RoundsUsed:     roundsUsed,
		Stabilized:     stabilized,
		TotalIntensity: field.total(),
		Convergence:    modalShare(readout),
		FailedSteps:    failedSteps,
	}
	status := domain.RunStatusSucceeded
	if len(readout) == 0 {
		status = domain.RunStatusPartial
	}
	s.finishRun(ctx, runID, status, report, "")
	return report, nil
}

// signalField is the shared stigmergy surface: (cell, tag) -> intensity.
// Deposits are additive; decay multiplies everything by (1 - rate) and
// drops entries that reach zero.
type signalField struct {
	mu    sync.Mutex
	cells map[string]map[string]float64
}

func newSignalField() *signalField {
	return &signalField{cells: make(map[string]map[string]float64)}
}

func (f *signalField) deposit(cell, tag string, intensity float64) {
	if cell == "" || tag == "" || intensity <= 0 {
		return
	}
	if intensity > 1 {
		intensity = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tags := f.cells[cell]
	if tags == nil {
		tags = make(map[string]float64)
		f.cells[cell] = tags
	}
	tags[tag] += intensity
}

func (f *signalField) snapshot() map[string]map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]float64, len(f.cells))
	for cell, tags := range f.cells {
		copied := make(map[string]float64, len(tags))
		for tag, v := range tags {
			copied[tag] = v
		}
		out[cell] = copied
	}
	return out
}

func (f *signalField) decay(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cell, tags := range f.cells {
		for tag, v := range tags {
			next := v * (1 - rate)
			if next <= 0 {
				delete(tags, tag)
				continue
			}
			tags[tag] = next
		}
		if len(tags) == 0 {
			delete(f.cells, cell)
		}
	}
}

func (f *signalField) total() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0.0
	for _, tags := range f.cells {
		for _, v := range tags {
			sum += v
		}
	}
	return sum
}

// readout reduces the field to the strongest tag per cell, ties broken by
// the lexicographically smaller tag.
func (f *signalField) readout() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.cells))
	for cell, tags := range f.cells {
		bestTag := ""
		bestIntensity := 0.0
		for tag, v := range tags {
			if v > bestIntensity || (v == bestIntensity && (bestTag == "" || tag < bestTag)) {
				bestTag = tag
				bestIntensity = v
			}
		}
		if bestTag != "" {
			out[cell] = bestTag
		}
	}
	return out
}

// modalShare is the fraction of cells agreeing on the most common winner.
func modalShare(readout map[string]string) float64 {
	if len(readout) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, tag := range readout {
		counts[tag]++
	}
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	return float64(best) / float64(len(readout))
}

func swarmStepTask(parent domain.Task, round int, snapshot map[string]map[string]float64) domain.Task {
	payload := map[string]any{
		"round": round,
		"field": snapshot,
	}
	if len(parent.Payload) > 0 {
		payload["task"] = json.RawMessage(parent.Payload)
	}
	return domain.Task{
		ID:          fmt.Sprintf("%s.%d", parent.ID, round),
		Payload:     mustJSON(payload),
		Constraints: parent.Constraints,
		Deadline:    parent.Deadline,
	}
}

// parseDeposits accepts either a bare deposit array or an object with a
// "deposits" key; anything else contributes nothing.
func parseDeposits(value json.RawMessage) []domain.Deposit {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var deposits []domain.Deposit
		if err := json.Unmarshal(trimmed, &deposits); err != nil {
			return nil
		}
		return deposits
	}
	var wrapper struct {
		Deposits []domain.Deposit `json:"deposits"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil
	}
	return wrapper.Deposits
}
