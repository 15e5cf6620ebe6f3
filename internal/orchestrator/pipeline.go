package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

type PipelineStage struct {
	Agent        agent.Handle
	InputSchema  domain.Schema
	OutputSchema domain.Schema
	Skip         bool
}

type PipelineInput struct {
	Stages     []PipelineStage
	Input      json.RawMessage
	TaskID     string
	Timeout    time.Duration
	MaxRetries int
}

// RunPipeline feeds the input through the stages in order. Each stage
// validates its input, executes, validates its output, and commits; the
// first violation or agent failure rolls the stage back and halts the
// pipeline with every later stage left pending.
func (s *Service) RunPipeline(ctx context.Context, in PipelineInput) (domain.PipelineRun, error) {
	if len(in.Stages) == 0 {
		return domain.PipelineRun{}, ErrNoStages
	}
	for i, stage := range in.Stages {
		if !stage.Skip && stage.Agent == nil {
			return domain.PipelineRun{}, fmt.Errorf("stage %d: %w", i, ErrNilAgent)
		}
		if err := checkSchema(stage.InputSchema); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("stage %d input schema: %w", i, err)
		}
		if err := checkSchema(stage.OutputSchema); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("stage %d output schema: %w", i, err)
		}
	}
	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	runID := uuid.NewString()
	s.beginRun(ctx, runID, domain.PatternPipeline, map[string]any{
		"task_id": taskID,
		"stages":  len(in.Stages),
	})

	run := domain.PipelineRun{
		RunID:         runID,
		Status:        domain.RunStatusRunning,
		CommittedUpTo: -1,
		FailedStage:   -1,
		Stages:        make([]domain.StageResult, len(in.Stages)),
	}
	for i := range run.Stages {
		run.Stages[i] = domain.StageResult{Index: i, State: domain.StageStatePending}
	}

	current := in.Input
	lastError := ""
	for i, stage := range in.Stages {
		if ctx.Err() != nil {
			run.Status = domain.RunStatusFailed
			lastError = ctx.Err().Error()
			break
		}
		res := &run.Stages[i]
		started := time.Now()

		if stage.Skip {
			res.State = domain.StageStateCommitted
			res.Skipped = true
			res.Outcome = domain.Outcome{
				TaskID: fmt.Sprintf("%s.%d", taskID, i),
				Value:  current,
				Status: domain.OutcomeStatusSuccess,
			}
			res.ElapsedMS = time.Since(started).Milliseconds()
			run.CommittedUpTo = i
			s.event(ctx, runID, domain.RunEventStage, "", fmt.Sprintf("stage=%d state=%s skipped", i, res.State), nil)
			continue
		}

		if err := validateValue(stage.InputSchema, current); err != nil {
			s.failStage(ctx, run.RunID, res, domain.FaultValidationFailure, fmt.Sprintf("input schema: %v", err), started)
			run.FailedStage = i
			run.Status = domain.RunStatusFailed
			lastError = res.Err
			break
		}

		res.State = domain.StageStateExecuting
		outcome := s.Run(ctx, Invocation{
			Task:       domain.Task{ID: fmt.Sprintf("%s.%d", taskID, i), Payload: current},
			Agent:      stage.Agent,
			Timeout:    in.Timeout,
			MaxRetries: in.MaxRetries,
			RunID:      runID,
		})
		res.Outcome = outcome
		if outcome.Status != domain.OutcomeStatusSuccess {
			s.failStage(ctx, run.RunID, res, outcome.Fault, outcome.Err, started)
			run.FailedStage = i
			run.Status = domain.RunStatusFailed
			lastError = res.Err
			break
		}

		res.State = domain.StageStateValidating
		if err := validateValue(stage.OutputSchema, outcome.Value); err != nil {
			s.failStage(ctx, run.RunID, res, domain.FaultValidationFailure, fmt.Sprintf("output schema: %v", err), started)
			run.FailedStage = i
			run.Status = domain.RunStatusFailed
			lastError = res.Err
			break
		}

		res.State = domain.StageStateCommitted
		res.ElapsedMS = time.Since(started).Milliseconds()
		run.CommittedUpTo = i
		current = outcome.Value
		s.event(ctx, runID, domain.RunEventStage, "", fmt.Sprintf("stage=%d state=%s", i, res.State), nil)
	}

	if run.Status == domain.RunStatusRunning {
		run.Status = domain.RunStatusSucceeded
		run.Value = current
	}
	s.finishRun(ctx, runID, run.Status, run, lastError)
	return run, nil
}

func (s *Service) failStage(ctx context.Context, runID string, res *domain.StageResult, fault domain.FaultKind, reason string, started time.Time) {
	res.State = domain.StageStateRolledBack
	res.Fault = fault
	res.Err = reason
	res.ElapsedMS = time.Since(started).Milliseconds()
	s.event(ctx, runID, domain.RunEventStage, "", fmt.Sprintf("stage=%d state=%s reason=%s", res.Index, res.State, trimText(reason, 120)), nil)
}

func checkSchema(schema domain.Schema) error {
	switch strings.TrimSpace(schema.Type) {
	case "", "any", "object", "array", "string", "number", "bool":
		return nil
	default:
		return fmt.Errorf("unknown schema type %q", schema.Type)
	}
}

// validateValue structurally checks the value against the schema. An empty
// schema accepts anything; Fields entries require the named keys on an
// object value.
func validateValue(schema domain.Schema, value json.RawMessage) error {
	typ := strings.TrimSpace(schema.Type)
	if typ == "" && len(schema.Fields) > 0 {
		typ = "object"
	}
	if typ == "" || typ == "any" {
		return nil
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return fmt.Errorf("value is empty")
	}
	switch typ {
	case "object":
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("value is not a JSON object")
		}
		for _, field := range schema.Fields {
			if _, ok := obj[field]; !ok {
				return fmt.Errorf("missing required field %q", field)
			}
		}
	case "array":
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return fmt.Errorf("value is not a JSON array")
		}
	case "string":
		var v string
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("value is not a JSON string")
		}
	case "number":
		var v float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("value is not a JSON number")
		}
	case "bool":
		var v bool
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("value is not a JSON bool")
		}
	default:
		return fmt.Errorf("unknown schema type %q", schema.Type)
	}
	return nil
}
