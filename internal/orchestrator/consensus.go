package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

const (
	StrategyWeightedConfidence = "weighted_confidence"
	StrategySimpleMajority     = "simple_majority"
	StrategyUnanimous          = "unanimous"
)

type VoteInput struct {
	Task       domain.Task
	Agents     []agent.Handle
	Strategy   string
	Timeout    time.Duration
	MaxRetries int
}

// Vote runs the task on every agent and aggregates the answers into a
// Decision. Failed and timed-out outcomes become zero-weight abstentions;
// losing votes are kept as dissent. The tally only depends on the set of
// outcomes, not on agent order.
func (s *Service) Vote(ctx context.Context, in VoteInput) (domain.Decision, error) {
	if len(in.Agents) == 0 {
		return domain.Decision{}, ErrNoAgents
	}
	for _, h := range in.Agents {
		if h == nil {
			return domain.Decision{}, ErrNilAgent
		}
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = StrategyWeightedConfidence
	}
	switch strategy {
	case StrategyWeightedConfidence, StrategySimpleMajority, StrategyUnanimous:
	default:
		return domain.Decision{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, in.Strategy)
	}
	task := in.Task
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	runID := uuid.NewString()
	s.beginRun(ctx, runID, domain.PatternVote, map[string]any{
		"task_id":  task.ID,
		"agents":   agentIDs(in.Agents),
		"strategy": strategy,
	})

	invs := make([]Invocation, len(in.Agents))
	for i, h := range in.Agents {
		invs[i] = Invocation{
			Task:       task,
			Agent:      h,
			Timeout:    in.Timeout,
			MaxRetries: in.MaxRetries,
			RunID:      runID,
		}
	}
	outcomes := s.RunMany(ctx, invs)

	decision := tally(strategy, outcomes)
	decision.RunID = runID

	status := domain.RunStatusSucceeded
	lastError := ""
	if decision.Fault == domain.FaultNoQuorum {
		status = domain.RunStatusFailed
		lastError = "no quorum"
	}
	s.finishRun(ctx, runID, status, decision, lastError)
	return decision, nil
}

func tally(strategy string, outcomes []domain.Outcome) domain.Decision {
	votesByChoice := make(map[string][]domain.Outcome)
	var abstentions []domain.Outcome
	for _, o := range outcomes {
		if o.Status != domain.OutcomeStatusSuccess {
			abstentions = append(abstentions, o)
			continue
		}
		choice := choiceOf(o.Value)
		votesByChoice[choice] = append(votesByChoice[choice], o)
	}

	decision := domain.Decision{Abstentions: abstentions}
	if len(votesByChoice) == 0 {
		decision.Fault = domain.FaultNoQuorum
		return decision
	}

	choices := make([]string, 0, len(votesByChoice))
	for choice := range votesByChoice {
		choices = append(choices, choice)
	}
	sort.Strings(choices)

	weights := make(map[string]float64, len(choices))
	counts := make(map[string]int, len(choices))
	total := 0.0
	for _, choice := range choices {
		votes := votesByChoice[choice]
		counts[choice] = len(votes)
		weights[choice] = choiceWeight(strategy, votes)
		total += weights[choice]
	}
	decision.Weights = weights
	decision.VoteCounts = counts

	if strategy == StrategyUnanimous && len(choices) > 1 {
		decision.Fault = domain.FaultNoQuorum
		for _, choice := range choices {
			decision.Dissent = append(decision.Dissent, votesByChoice[choice]...)
		}
		return decision
	}

	best := choices[0]
	for _, choice := range choices[1:] {
		switch {
		case weights[choice] > weights[best]:
			best = choice
		case weights[choice] == weights[best] && counts[choice] > counts[best]:
			best = choice
		}
	}
	if weights[best] == 0 {
		decision.Fault = domain.FaultNoQuorum
		return decision
	}

	decision.WinningChoice = best
	decision.AggregateScore = weights[best]
	if total > 0 {
		decision.Consensus = weights[best] / total
	}
	decision.SupportingVotes = votesByChoice[best]
	for _, choice := range choices {
		if choice != best {
			decision.Dissent = append(decision.Dissent, votesByChoice[choice]...)
		}
	}
	return decision
}

// choiceWeight sums vote weights in a fixed order so the total does not
// depend on how the agents were listed.
func choiceWeight(strategy string, votes []domain.Outcome) float64 {
	if strategy != StrategyWeightedConfidence {
		return float64(len(votes))
	}
	confidences := make([]float64, 0, len(votes))
	for _, v := range votes {
		confidences = append(confidences, v.Confidence)
	}
	sort.Float64s(confidences)
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum
}

// choiceOf canonicalizes a vote value: JSON strings vote by their text,
// anything else by its compact JSON form.
func choiceOf(value json.RawMessage) string {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err == nil {
		return compact.String()
	}
	return string(trimmed)
}
