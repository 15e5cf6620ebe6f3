package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"agent_ensemble/internal/domain"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, domain.RunRecord{
		ID:      runID,
		Pattern: domain.PatternVote,
		Payload: json.RawMessage(`{"task_id":"q1"}`),
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Status != domain.RunStatusRunning {
		t.Fatalf("status=%s want=%s", rec.Status, domain.RunStatusRunning)
	}
	if rec.Pattern != domain.PatternVote {
		t.Fatalf("pattern=%s want=%s", rec.Pattern, domain.PatternVote)
	}
	if string(rec.Payload) != `{"task_id":"q1"}` {
		t.Fatalf("payload=%s", rec.Payload)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("created_at not defaulted")
	}
	if rec.FinishedAt != nil {
		t.Fatalf("unfinished run has finished_at=%v", rec.FinishedAt)
	}

	if err := store.FinishRun(ctx, runID, domain.RunStatusSucceeded, json.RawMessage(`{"winner":"A"}`), ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	rec, err = store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get finished run: %v", err)
	}
	if rec.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s want=%s", rec.Status, domain.RunStatusSucceeded)
	}
	if string(rec.Result) != `{"winner":"A"}` {
		t.Fatalf("result=%s", rec.Result)
	}
	if rec.FinishedAt == nil {
		t.Fatalf("finished run missing finished_at")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		if err := store.CreateRun(ctx, domain.RunRecord{
			ID:        ids[i],
			Pattern:   domain.PatternRun,
			CreatedAt: now.Add(time.Duration(i-2) * time.Minute),
		}); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len=%d want=2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatalf("order=[%s %s] want=[%s %s]", runs[0].ID, runs[1].ID, ids[2], ids[1])
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, domain.RunRecord{ID: runID, Pattern: domain.PatternDelegate}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		status := domain.OutcomeStatusFailed
		if attempt == 3 {
			status = domain.OutcomeStatusSuccess
		}
		if err := store.AppendOutcome(ctx, runID, domain.Outcome{
			TaskID:     "t1.0",
			AgentID:    "worker",
			Value:      json.RawMessage(`{"n":1}`),
			Confidence: 0.75,
			Status:     status,
			Attempt:    attempt,
			Fault:      domain.FaultAgentFailure,
			Err:        "flaky",
			ElapsedMS:  12,
		}); err != nil {
			t.Fatalf("append outcome %d: %v", attempt, err)
		}
	}

	outcomes, err := store.ListRunOutcomes(ctx, runID, 0)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("len=%d want=3", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Attempt != i+1 {
			t.Fatalf("outcome %d attempt=%d want=%d", i, o.Attempt, i+1)
		}
	}
	last := outcomes[2]
	if last.TaskID != "t1.0" || last.AgentID != "worker" {
		t.Fatalf("ids task=%s agent=%s", last.TaskID, last.AgentID)
	}
	if last.Status != domain.OutcomeStatusSuccess || last.Fault != domain.FaultAgentFailure {
		t.Fatalf("status=%s fault=%s", last.Status, last.Fault)
	}
	if string(last.Value) != `{"n":1}` || last.Confidence != 0.75 {
		t.Fatalf("value=%s confidence=%v", last.Value, last.Confidence)
	}
	if last.Err != "flaky" || last.ElapsedMS != 12 {
		t.Fatalf("err=%q elapsed=%d", last.Err, last.ElapsedMS)
	}
}

func TestRunEventsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, domain.RunRecord{ID: runID, Pattern: domain.PatternDebate}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	events := []domain.RunEvent{
		{RunID: runID, Kind: domain.RunEventStarted, Detail: "pattern=debate"},
		{RunID: runID, Kind: domain.RunEventRound, Actor: "pro-bot", Detail: "round=1", Payload: json.RawMessage(`{"score":0.5}`)},
	}
	for i, ev := range events {
		if err := store.AppendRunEvent(ctx, ev); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	listed, err := store.ListRunEvents(ctx, runID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("len=%d want=2", len(listed))
	}
	if listed[0].ID >= listed[1].ID {
		t.Fatalf("ids not ascending: %d %d", listed[0].ID, listed[1].ID)
	}
	if listed[0].Kind != domain.RunEventStarted {
		t.Fatalf("kind=%s want=%s", listed[0].Kind, domain.RunEventStarted)
	}
	second := listed[1]
	if second.Actor != "pro-bot" || second.Detail != "round=1" {
		t.Fatalf("actor=%s detail=%s", second.Actor, second.Detail)
	}
	if string(second.Payload) != `{"score":0.5}` {
		t.Fatalf("payload=%s", second.Payload)
	}
	if second.CreatedAt.IsZero() {
		t.Fatalf("created_at not defaulted")
	}
}

func TestPruneRunsKeepsUnfinishedAndRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	oldFinished := uuid.NewString()
	oldRunning := uuid.NewString()
	fresh := uuid.NewString()

	for _, rec := range []domain.RunRecord{
		{ID: oldFinished, Pattern: domain.PatternRun, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: oldRunning, Pattern: domain.PatternRun, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: fresh, Pattern: domain.PatternRun, CreatedAt: now},
	} {
		if err := store.CreateRun(ctx, rec); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}
	if err := store.AppendOutcome(ctx, oldFinished, domain.Outcome{
		TaskID: "t1", AgentID: "a", Status: domain.OutcomeStatusSuccess, Attempt: 1,
	}); err != nil {
		t.Fatalf("append outcome: %v", err)
	}
	if err := store.FinishRun(ctx, oldFinished, domain.RunStatusSucceeded, nil, ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := store.FinishRun(ctx, fresh, domain.RunStatusSucceeded, nil, ""); err != nil {
		t.Fatalf("finish fresh run: %v", err)
	}

	pruned, err := store.PruneRuns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune runs: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned=%d want=1", pruned)
	}

	if _, err := store.GetRun(ctx, oldFinished); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("pruned run err=%v want=%v", err, sql.ErrNoRows)
	}
	if _, err := store.GetRun(ctx, oldRunning); err != nil {
		t.Fatalf("unfinished run pruned: %v", err)
	}
	if _, err := store.GetRun(ctx, fresh); err != nil {
		t.Fatalf("fresh run pruned: %v", err)
	}

	outcomes, err := store.ListRunOutcomes(ctx, oldFinished, 0)
	if err != nil {
		t.Fatalf("list pruned outcomes: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("outcomes survived prune: %d", len(outcomes))
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
