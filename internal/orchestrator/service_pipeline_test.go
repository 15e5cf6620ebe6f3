package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

func stageAgent(id, out string, confidence float64) agent.Handle {
	return agent.NewFunc(id, []string{"stage"}, func(context.Context, domain.Task) (agent.Result, error) {
		return agent.Result{Value: json.RawMessage(out), Confidence: confidence}, nil
	})
}

func TestPipelineCommitsAllStages(t *testing.T) {
	svc, store, shutdown := newHarness(t, testConfig())
	defer shutdown()

	run, err := svc.RunPipeline(context.Background(), PipelineInput{
		TaskID: "pipe",
		Input:  mustRawJSON(t, map[string]any{"text": "4"}),
		Stages: []PipelineStage{
			{
				Agent:        stageAgent("parse", `{"n":4}`, 0.9),
				InputSchema:  domain.Schema{Type: "object", Fields: []string{"text"}},
				OutputSchema: domain.Schema{Type: "object", Fields: []string{"n"}},
			},
			{
				Agent:        stageAgent("double", `{"n":8}`, 0.9),
				InputSchema:  domain.Schema{Type: "object", Fields: []string{"n"}},
				OutputSchema: domain.Schema{Type: "object", Fields: []string{"n"}},
			},
			{
				Agent:        stageAgent("render", `"8"`, 0.9),
				OutputSchema: domain.Schema{Type: "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusSucceeded)
	}
	if run.CommittedUpTo != 2 || run.FailedStage != -1 {
		t.Fatalf("committed=%d failed=%d", run.CommittedUpTo, run.FailedStage)
	}
	if string(run.Value) != `"8"` {
		t.Fatalf("value=%s want=\"8\"", run.Value)
	}
	for i, stage := range run.Stages {
		if stage.State != domain.StageStateCommitted {
			t.Fatalf("stage %d state=%s want=%s", i, stage.State, domain.StageStateCommitted)
		}
	}
	if run.Stages[1].Outcome.TaskID != "pipe.1" {
		t.Fatalf("stage 1 task=%s want=pipe.1", run.Stages[1].Outcome.TaskID)
	}

	rec, err := store.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Pattern != domain.PatternPipeline || rec.Status != domain.RunStatusSucceeded {
		t.Fatalf("run pattern=%s status=%s", rec.Pattern, rec.Status)
	}
}

func TestPipelineHaltsOnOutputSchemaViolation(t *testing.T) {
	svc, store, shutdown := newHarness(t, testConfig())
	defer shutdown()

	last := agent.NewSimulated(agent.SimulatedConfig{ID: "last", Expertise: []string{"stage"}})

	run, err := svc.RunPipeline(context.Background(), PipelineInput{
		TaskID: "pipe",
		Input:  json.RawMessage(`{"seed":1}`),
		Stages: []PipelineStage{
			{Agent: stageAgent("ok", `{"step":1}`, 0.9)},
			{
				Agent:        stageAgent("drifter", `{"wrong":true}`, 0.9),
				OutputSchema: domain.Schema{Type: "object", Fields: []string{"right"}},
			},
			{Agent: last},
		},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s want=%s", run.Status, domain.RunStatusFailed)
	}
	if run.CommittedUpTo != 0 || run.FailedStage != 1 {
		t.Fatalf("committed=%d failed=%d want 0/1", run.CommittedUpTo, run.FailedStage)
	}
	broken := run.Stages[1]
	if broken.State != domain.StageStateRolledBack || broken.Fault != domain.FaultValidationFailure {
		t.Fatalf("stage 1 state=%s fault=%s", broken.State, broken.Fault)
	}
	if !strings.Contains(broken.Err, "output schema") {
		t.Fatalf("stage 1 err=%q", broken.Err)
	}
	if run.Stages[2].State != domain.StageStatePending {
		t.Fatalf("stage 2 state=%s want=%s", run.Stages[2].State, domain.StageStatePending)
	}
	if last.Calls() != 0 {
		t.Fatalf("halted pipeline still invoked stage 2 (%d calls)", last.Calls())
	}
	if len(run.Value) != 0 {
		t.Fatalf("failed pipeline exposed value %s", run.Value)
	}

	rec, err := store.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s want=%s", rec.Status, domain.RunStatusFailed)
	}
}

func TestPipelineValidatesInputBeforeExecuting(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	worker := agent.NewSimulated(agent.SimulatedConfig{ID: "w", Expertise: []string{"stage"}})

	run, err := svc.RunPipeline(context.Background(), PipelineInput{
		Input: json.RawMessage(`"text"`),
		Stages: []PipelineStage{
			{Agent: worker, InputSchema: domain.Schema{Type: "number"}},
		},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if run.CommittedUpTo != -1 || run.FailedStage != 0 {
		t.Fatalf("committed=%d failed=%d", run.CommittedUpTo, run.FailedStage)
	}
	if run.Stages[0].Fault != domain.FaultValidationFailure {
		t.Fatalf("fault=%s want=%s", run.Stages[0].Fault, domain.FaultValidationFailure)
	}
	if !strings.Contains(run.Stages[0].Err, "input schema") {
		t.Fatalf("err=%q", run.Stages[0].Err)
	}
	if worker.Calls() != 0 {
		t.Fatalf("invalid input still reached the agent (%d calls)", worker.Calls())
	}
}

func TestPipelineSkippedStagePassesValueThrough(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	run, err := svc.RunPipeline(context.Background(), PipelineInput{
		TaskID: "pipe",
		Input:  json.RawMessage(`{"v":1}`),
		Stages: []PipelineStage{
			{Skip: true},
			{
				Agent:       agent.NewSimulated(agent.SimulatedConfig{ID: "echo", Expertise: []string{"stage"}}),
				InputSchema: domain.Schema{Type: "object", Fields: []string{"v"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded || run.CommittedUpTo != 1 {
		t.Fatalf("status=%s committed=%d", run.Status, run.CommittedUpTo)
	}
	if !run.Stages[0].Skipped || run.Stages[0].State != domain.StageStateCommitted {
		t.Fatalf("stage 0 skipped=%t state=%s", run.Stages[0].Skipped, run.Stages[0].State)
	}
	if string(run.Stages[0].Outcome.Value) != `{"v":1}` {
		t.Fatalf("skip passed along %s", run.Stages[0].Outcome.Value)
	}
	if string(run.Value) != `{"v":1}` {
		t.Fatalf("value=%s", run.Value)
	}
}

func TestPipelineAgentFailureRollsStageBack(t *testing.T) {
	svc, _, shutdown := newHarness(t, testConfig())
	defer shutdown()

	broken := agent.NewFunc("broken", []string{"stage"}, func(context.Context, domain.Task) (agent.Result, error) {
		return agent.Result{}, errSynthetic
	})

	run, err := svc.RunPipeline(context.Background(), PipelineInput{
		Input:      json.RawMessage(`{}`),
		Stages:     []PipelineStage{{Agent: broken}},
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if run.Stages[0].State != domain.StageStateRolledBack {
		t.Fatalf("state=%s want=%s", run.Stages[0].State, domain.StageStateRolledBack)
	}
	if run.Stages[0].Fault != domain.FaultAgentFailure {
		t.Fatalf("fault=%s want=%s", run.Stages[0].Fault, domain.FaultAgentFailure)
	}
	if run.Status != domain.RunStatusFailed || run.FailedStage != 0 {
		t.Fatalf("status=%s failed=%d", run.Status, run.FailedStage)
	}
}

func TestPipelineRejectsBadInput(t *testing.T) {
	svc, store, shutdown := newHarness(t, testConfig())
	defer shutdown()
	ctx := context.Background()

	if _, err := svc.RunPipeline(ctx, PipelineInput{}); !errors.Is(err, ErrNoStages) {
		t.Fatalf("err=%v want=%v", err, ErrNoStages)
	}

	ok := stageAgent("ok", `{}`, 0.5)
	_, err := svc.RunPipeline(ctx, PipelineInput{
		Stages: []PipelineStage{{Agent: ok}, {Agent: nil}},
	})
	if !errors.Is(err, ErrNilAgent) {
		t.Fatalf("err=%v want=%v", err, ErrNilAgent)
	}
	if !strings.Contains(err.Error(), "stage 1") {
		t.Fatalf("err=%q missing stage index", err)
	}

	if _, err := svc.RunPipeline(ctx, PipelineInput{
		Stages: []PipelineStage{{Agent: ok, OutputSchema: domain.Schema{Type: "integer"}}},
	}); err == nil || !strings.Contains(err.Error(), "unknown schema type") {
		t.Fatalf("err=%v want unknown schema type", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected pipelines persisted %d runs", len(runs))
	}
}
