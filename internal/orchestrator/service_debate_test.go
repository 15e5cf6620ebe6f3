package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

// scriptedAgent returns one confidence per call, repeating the final entry
// once the script runs out.
func scriptedAgent(id string, confidences []float64, value string) agent.Handle {
	var mu sync.Mutex
	call := 0
	return agent.NewFunc(id, []string{"debate"}, func(_ context.Context, _ domain.Task) (agent.Result, error) {
		mu.Lock()
		idx := call
		if idx >= len(confidences) {
			idx = len(confidences) - 1
		}
		call++
		mu.Unlock()
		return agent.Result{Value: json.RawMessage(value), Confidence: confidences[idx]}, nil
	})
}

func TestDebateRunsFullRoundsBelowThreshold(t *testing.T) {
	svc, store, shutdown := newHarness(t, testConfig())
	defer shutdown()

	proposer := scriptedAgent("pro-bot", []float64{0.4, 0.85}, `"thesis"`)
	critic := scriptedAgent("con-bot", []float64{0.4, 0.85}, `"antithesis"`)

	decision, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:     "adopt proposal",
		Proposer:  proposer,
		Critic:    critic,
		NumRounds: 2,
		Threshold: 0.9,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if decision.RoundsRun != 2 {
		t.Fatalf("rounds=%d want=2", decision.RoundsRun)
	}
	if decision.Converged {
		t.Fatalf("debate converged below threshold")
	}
	if decision.Rounds[0].Score != 0 {
		t.Fatalf("round 1 score=%v want=0", decision.Rounds[0].Score)
	}
	if got := decision.Rounds[1].Score; math.Abs(got-0.55) > 1e-9 {
		t.Fatalf("round 2 score=%v want=0.55", got)
	}
	// Final round is a confidence tie, which the proposer wins.
	if decision.WinningChoice != "pro" {
		t.Fatalf("winner=%s want=pro", decision.WinningChoice)
	}

	run, err := store.GetRun(context.Background(), decision.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Pattern != domain.PatternDebate || run.Status != domain.RunStatusSucceeded {
		t.Fatalf("run pattern=%s status=%s", run.Pattern, run.Status)
	}
}

func TestDebateStopsEarlyOnConvergence(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	proposer := scriptedAgent("pro-bot", []float64{0.8, 0.82}, `"thesis"`)
	critic := scriptedAgent("con-bot", []float64{0.8, 0.82}, `"antithesis"`)

	decision, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:     "cache invalidation",
		Proposer:  proposer,
		Critic:    critic,
		NumRounds: 5,
		Threshold: 0.9,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if !decision.Converged {
		t.Fatalf("debate did not converge")
	}
	if decision.RoundsRun != 2 {
		t.Fatalf("rounds=%d want=2", decision.RoundsRun)
	}
	if got := decision.Rounds[1].Score; math.Abs(got-0.98) > 1e-9 {
		t.Fatalf("round 2 score=%v want=0.98", got)
	}
}

func TestDebateCriticWinsOnHigherConfidence(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	proposer := scriptedAgent("pro-bot", []float64{0.5}, `"thesis"`)
	critic := scriptedAgent("con-bot", []float64{0.9}, `"antithesis"`)

	decision, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:          "rewrite it",
		ProposerStance: "rewrite",
		CriticStance:   "keep",
		Proposer:       proposer,
		Critic:         critic,
		NumRounds:      1,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if decision.WinningChoice != "keep" {
		t.Fatalf("winner=%s want=keep", decision.WinningChoice)
	}
	if len(decision.SupportingVotes) != 1 || decision.SupportingVotes[0].AgentID != "con-bot" {
		t.Fatalf("supporting votes=%+v", decision.SupportingVotes)
	}
	if len(decision.Dissent) != 1 || decision.Dissent[0].AgentID != "pro-bot" {
		t.Fatalf("dissent=%+v", decision.Dissent)
	}
}

func TestDebateTurnsAreSequentialWithinRound(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	var mu sync.Mutex
	var criticSaw []string
	var proposerSaw []string

	proposer := agent.NewFunc("pro-bot", []string{"debate"}, func(_ context.Context, task domain.Task) (agent.Result, error) {
		mu.Lock()
		proposerSaw = append(proposerSaw, string(task.Payload))
		mu.Unlock()
		return agent.Result{Value: json.RawMessage(`{"claim":"X"}`), Confidence: 0.4}, nil
	})
	critic := agent.NewFunc("con-bot", []string{"debate"}, func(_ context.Context, task domain.Task) (agent.Result, error) {
		mu.Lock()
		criticSaw = append(criticSaw, string(task.Payload))
		mu.Unlock()
		return agent.Result{Value: json.RawMessage(`{"objection":"O1"}`), Confidence: 0.5}, nil
	})

	if _, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:     "sequencing",
		Proposer:  proposer,
		Critic:    critic,
		NumRounds: 2,
	}); err != nil {
		t.Fatalf("debate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(criticSaw) != 2 || len(proposerSaw) != 2 {
		t.Fatalf("turns critic=%d proposer=%d want 2 each", len(criticSaw), len(proposerSaw))
	}
	// Every critic turn carries the proposer's fresh output.
	for i, payload := range criticSaw {
		if !strings.Contains(payload, `"claim":"X"`) {
			t.Fatalf("critic turn %d missing proposer value: %s", i, payload)
		}
	}
	if strings.Contains(proposerSaw[0], "objection") {
		t.Fatalf("first proposer turn already saw criticism: %s", proposerSaw[0])
	}
	if !strings.Contains(proposerSaw[1], `"objection":"O1"`) {
		t.Fatalf("second proposer turn missing prior criticism: %s", proposerSaw[1])
	}
}

func TestDebateAgreementStrategyCanConvergeImmediately(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	proposer := scriptedAgent("pro-bot", []float64{0.95}, `"thesis"`)
	critic := scriptedAgent("con-bot", []float64{0.95}, `"antithesis"`)

	decision, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:     "obvious call",
		Proposer:  proposer,
		Critic:    critic,
		NumRounds: 4,
		Strategy:  ScoringAgreement,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if !decision.Converged || decision.RoundsRun != 1 {
		t.Fatalf("converged=%t rounds=%d want converged after 1", decision.Converged, decision.RoundsRun)
	}
}

func TestDebateFailingAgentsYieldFailedDecision(t *testing.T) {
	svc, store, shutdown := newHarness(t, testConfig())
	defer shutdown()

	broken := agent.NewFunc("broken", []string{"debate"}, func(context.Context, domain.Task) (agent.Result, error) {
		return agent.Result{}, errSynthetic
	})

	decision, err := svc.RunDebate(context.Background(), DebateInput{
		Topic:      "doomed",
		Proposer:   broken,
		Critic:     broken,
		NumRounds:  1,
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if decision.Fault != domain.FaultAgentFailure {
		t.Fatalf("fault=%s want=%s", decision.Fault, domain.FaultAgentFailure)
	}
	run, err := store.GetRun(context.Background(), decision.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
}

func TestDebateRejectsBadInput(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()
	ctx := context.Background()

	ok := scriptedAgent("ok", []float64{0.5}, `"v"`)

	if _, err := svc.RunDebate(ctx, DebateInput{Topic: "x", Proposer: ok}); !errors.Is(err, ErrNilAgent) {
		t.Fatalf("err=%v want=%v", err, ErrNilAgent)
	}
	if _, err := svc.RunDebate(ctx, DebateInput{Proposer: ok, Critic: ok}); err == nil {
		t.Fatalf("empty topic accepted")
	}
	if _, err := svc.RunDebate(ctx, DebateInput{
		Topic: "x", Proposer: ok, Critic: ok, NumRounds: -1,
	}); !errors.Is(err, ErrZeroRounds) {
		t.Fatalf("err=%v want=%v", err, ErrZeroRounds)
	}
	if _, err := svc.RunDebate(ctx, DebateInput{
		Topic: "x", Proposer: ok, Critic: ok, Threshold: 1.5,
	}); !errors.Is(err, ErrBadThreshold) {
		t.Fatalf("err=%v want=%v", err, ErrBadThreshold)
	}
	if _, err := svc.RunDebate(ctx, DebateInput{
		Topic: "x", Proposer: ok, Critic: ok, Strategy: "vibes",
	}); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownStrategy)
	}
}
