package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

const (
	ScoringEntropyReduction = "entropy_reduction"
	ScoringAgreement        = "agreement"
)

type DebateInput struct {
	Topic          string
	ProposerStance string
	CriticStance   string
	Proposer       agent.Handle
	Critic         agent.Handle
	NumRounds      int
	Threshold      float64
	Strategy       string
	Timeout        time.Duration
	MaxRetries     int
}

// RunDebate alternates proposer and critic for up to NumRounds rounds,
// strictly sequential within a round so the critic always sees the
// proposer's latest output. The debate stops early once the round score
// exceeds the convergence threshold. Ties go to the proposer.
func (s *Service) RunDebate(ctx context.Context, in DebateInput) (domain.Decision, error) {
	if in.Proposer == nil || in.Critic == nil {
		return domain.Decision{}, ErrNilAgent
	}
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return domain.Decision{}, fmt.Errorf("debate topic is required")
	}
	rounds := in.NumRounds
	if rounds == 0 {
		rounds = s.cfg.DebateRounds
	}
	if rounds < 0 {
		return domain.Decision{}, ErrZeroRounds
	}
	threshold := in.Threshold
	if threshold == 0 {
		threshold = s.cfg.DebateThreshold
	}
	if threshold < 0 || threshold > 1 {
		return domain.Decision{}, fmt.Errorf("%w: %v", ErrBadThreshold, in.Threshold)
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = ScoringEntropyReduction
	}
	if strategy != ScoringEntropyReduction && strategy != ScoringAgreement {
		return domain.Decision{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, in.Strategy)
	}
	proposerStance := strings.TrimSpace(in.ProposerStance)
	if proposerStance == "" {
		proposerStance = "pro"
	}
	criticStance := strings.TrimSpace(in.CriticStance)
	if criticStance == "" {
		criticStance = "con"
	}

	runID := uuid.NewString()
	s.beginRun(ctx, runID, domain.PatternDebate, map[string]any{
		"topic":      topic,
		"proposer":   in.Proposer.ID(),
		"critic":     in.Critic.ID(),
		"num_rounds": rounds,
		"threshold":  threshold,
		"strategy":   strategy,
	})

	base := domain.Task{ID: runID, Payload: mustJSON(map[string]string{"topic": topic})}
	history := make([]domain.Round, 0, rounds)
	var lastCriticValue json.RawMessage
	prevConfidence := 0.0
	converged := false
	seq := 0

	for r := 1; r <= rounds; r++ {
		if ctx.Err() != nil {
			break
		}
		propTask := subTask(base, seq, debateTurnPayload(topic, proposerStance, r, "critic", lastCriticValue), nil)
		seq++
		propOut := s.Run(ctx, Invocation{
			Task: propTask, Agent: in.Proposer,
			Timeout: in.Timeout, MaxRetries: in.MaxRetries, RunID: runID,
		})

		critTask := subTask(base, seq, debateTurnPayload(topic, criticStance, r, "proposer", propOut.Value), nil)
		seq++
		critOut := s.Run(ctx, Invocation{
			Task: critTask, Agent: in.Critic,
			Timeout: in.Timeout, MaxRetries: in.MaxRetries, RunID: runID,
		})

		confidence := (propOut.Confidence + critOut.Confidence) / 2
		delta := 1.0
		if r > 1 {
			delta = math.Abs(confidence - prevConfidence)
		}
		score := roundScore(strategy, confidence, delta)
		history = append(history, domain.Round{
			Index:          r,
			Proposer:       propOut,
			Critic:         critOut,
			Score:          score,
			ConvergedDelta: delta,
		})
		prevConfidence = confidence
		lastCriticValue = critOut.Value
		s.event(ctx, runID, domain.RunEventRound, "",
			fmt.Sprintf("round=%d score=%.3f delta=%.3f", r, score, delta), nil)
		if score > threshold {
			converged = true
			break
		}
	}

	decision := domain.Decision{
		RunID:     runID,
		Rounds:    history,
		RoundsRun: len(history),
		Converged: converged,
	}
	if len(history) == 0 {
		decision.WinningChoice = proposerStance
		decision.Fault = domain.FaultAgentFailure
		s.finishRun(ctx, runID, domain.RunStatusFailed, decision, "no rounds completed")
		return decision, nil
	}

	final := history[len(history)-1]
	winner, winOut, loseOut := adjudicate(final, proposerStance, criticStance)
	decision.WinningChoice = winner
	decision.AggregateScore = final.Score
	decision.SupportingVotes = []domain.Outcome{winOut}
	decision.Dissent = []domain.Outcome{loseOut}

	status := domain.RunStatusSucceeded
	lastError := ""
	if winOut.Status != domain.OutcomeStatusSuccess {
		decision.Fault = domain.FaultAgentFailure
		status = domain.RunStatusFailed
		lastError = winOut.Err
	}
	s.finishRun(ctx, runID, status, decision, lastError)
	return decision, nil
}

func roundScore(strategy string, confidence, delta float64) float64 {
	switch strategy {
	case ScoringAgreement:
		return clamp01(confidence)
	default:
		return clamp01(1 - delta)
	}
}

// adjudicate picks the final round's winner by confidence, proposer on tie.
func adjudicate(final domain.Round, proposerStance, criticStance string) (string, domain.Outcome, domain.Outcome) {
	if final.Critic.Confidence > final.Proposer.Confidence {
		return criticStance, final.Critic, final.Proposer
	}
	return proposerStance, final.Proposer, final.Critic
}

func debateTurnPayload(topic, stance string, round int, opposingRole string, opposing json.RawMessage) json.RawMessage {
	payload := map[string]any{
		"topic":  topic,
		"stance": stance,
		"round":  round,
	}
	if len(opposing) > 0 {
		payload[opposingRole] = json.RawMessage(opposing)
	}
	return mustJSON(payload)
}
