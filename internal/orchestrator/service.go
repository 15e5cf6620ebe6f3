// Package orchestrator coordinates multi-agent work: single invocations
// with retry and fallback, fan-out delegation, proposer/critic debates,
// weighted voting, validated pipelines, and stigmergic swarm rounds. Every
// run is persisted through the Store and narrated on the Bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/domain"
)

var (
	ErrNoAgents        = errors.New("agent list is empty")
	ErrNoWorkers       = errors.New("worker list is empty")
	ErrNoStages        = errors.New("stage list is empty")
	ErrNilAgent        = errors.New("agent handle is nil")
	ErrZeroRounds      = errors.New("round budget must be positive")
	ErrUnknownPolicy   = errors.New("unknown split policy")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrBadThreshold    = errors.New("threshold must be in (0, 1]")
	ErrBadDecayRate    = errors.New("decay rate must be in (0, 1)")
	ErrBadEpsilon      = errors.New("epsilon must be positive")
)

type Store interface {
	CreateRun(ctx context.Context, rec domain.RunRecord) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, result json.RawMessage, lastError string) error
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
	AppendOutcome(ctx context.Context, runID string, outcome domain.Outcome) error
	ListRunOutcomes(ctx context.Context, runID string, limit int) ([]domain.Outcome, error)
	AppendRunEvent(ctx context.Context, ev domain.RunEvent) error
	ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

type Bus interface {
	Publish(ev domain.RunEvent) error
}

type Selector interface {
	Rank(task domain.Task, candidates []agent.Handle) []agent.Handle
	Record(agentID string, status domain.OutcomeStatus)
}

type Exporter interface {
	WriteReport(reportID string, data []byte) (string, error)
}

type Config struct {
	AttemptTimeout  time.Duration
	RetryBackoff    time.Duration
	MaxRetries      int
	MaxConcurrent   int
	PoolCapacity    int
	DebateRounds    int
	DebateThreshold float64
	SwarmMaxRounds  int
	SwarmDecayRate  float64
	SwarmEpsilon    float64
	Retention       time.Duration
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = 128
	}
	if c.DebateRounds <= 0 {
		c.DebateRounds = 3
	}
	if c.DebateThreshold <= 0 || c.DebateThreshold > 1 {
		c.DebateThreshold = 0.9
	}
	if c.SwarmMaxRounds <= 0 {
		c.SwarmMaxRounds = 12
	}
	if c.SwarmDecayRate <= 0 || c.SwarmDecayRate >= 1 {
		c.SwarmDecayRate = 0.1
	}
	if c.SwarmEpsilon <= 0 {
		c.SwarmEpsilon = 0.01
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 5 * time.Minute
	}
	return c
}

type Service struct {
	store    Store
	selector Selector
	bus      Bus
	exporter Exporter
	cfg      Config
	logger   *log.Logger
	pool     *ants.Pool

	wg sync.WaitGroup
}

// New wires the orchestrator. The exporter may be nil, which disables run
// export. All agent executions share one goroutine pool sized by
// Config.PoolCapacity.
func New(store Store, selector Selector, bus Bus, exporter Exporter, cfg Config, logger *log.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	pool, err := ants.NewPool(cfg.PoolCapacity, ants.WithExpiryDuration(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Service{
		store:    store,
		selector: selector,
		bus:      bus,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitorLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
	s.pool.Release()
}

func (s *Service) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.janitorOnce(ctx)
		}
	}
}

func (s *Service) janitorOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	pruned, err := s.store.PruneRuns(ctx, cutoff)
	if err != nil {
		s.logger.Printf("janitor prune failed: %v", err)
		return
	}
	if pruned > 0 {
		s.logger.Printf("janitor pruned runs count=%d cutoff=%s", pruned, cutoff.Format(time.RFC3339))
	}
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	return s.store.ListRuns(ctx, limit)
}

func (s *Service) ListRunOutcomes(ctx context.Context, runID string, limit int) ([]domain.Outcome, error) {
	return s.store.ListRunOutcomes(ctx, runID, limit)
}

func (s *Service) ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error) {
	return s.store.ListRunEvents(ctx, runID, limit)
}

type runReport struct {
	Run      domain.RunRecord  `json:"run"`
	Outcomes []domain.Outcome  `json:"outcomes"`
	Events   []domain.RunEvent `json:"events"`
}

// ExportRun writes the full run record, outcomes included, as a JSON report
// and returns the file path.
func (s *Service) ExportRun(ctx context.Context, runID string) (string, error) {
	if s.exporter == nil {
		return "", fmt.Errorf("run export is not configured")
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	outcomes, err := s.store.ListRunOutcomes(ctx, runID, 0)
	if err != nil {
		return "", err
	}
	events, err := s.store.ListRunEvents(ctx, runID, 0)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(runReport{Run: rec, Outcomes: outcomes, Events: events}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run report: %w", err)
	}
	path, err := s.exporter.WriteReport(rec.ID, data)
	if err != nil {
		return "", err
	}
	s.event(ctx, rec.ID, domain.RunEventExport, "", path, nil)
	return path, nil
}

func (s *Service) beginRun(ctx context.Context, runID string, pattern domain.Pattern, payload any) {
	rec := domain.RunRecord{
		ID:        runID,
		Pattern:   pattern,
		Status:    domain.RunStatusRunning,
		Payload:   mustJSON(payload),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, rec); err != nil {
		s.logger.Printf("create run failed run=%s pattern=%s: %v", runID, pattern, err)
	}
	s.event(ctx, runID, domain.RunEventStarted, "", string(pattern), nil)
}

func (s *Service) finishRun(ctx context.Context, runID string, status domain.RunStatus, result any, lastError string) {
	if err := s.store.FinishRun(ctx, runID, status, mustJSON(result), lastError); err != nil {
		s.logger.Printf("finish run failed run=%s: %v", runID, err)
	}
	s.event(ctx, runID, domain.RunEventFinished, "", string(status), nil)
}

func (s *Service) event(ctx context.Context, runID, kind, actor, detail string, payload any) {
	ev := domain.RunEvent{
		RunID:     runID,
		Kind:      kind,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		ev.Payload = mustJSON(payload)
	}
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = s.store.AppendRunEvent(ctx, ev)
		if err == nil {
			break
		}
		if !isSQLiteBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		s.logger.Printf("append run event failed run=%s kind=%s: %v", runID, kind, err)
	}
	if err := s.bus.Publish(ev); err != nil {
		s.logger.Printf("publish run event run=%s kind=%s: %v", runID, kind, err)
	}
}

func (s *Service) recordOutcome(ctx context.Context, runID string, outcome domain.Outcome) {
	if outcome.AgentID != "" {
		s.selector.Record(outcome.AgentID, outcome.Status)
	}
	if runID == "" {
		return
	}
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = s.store.AppendOutcome(ctx, runID, outcome)
		if err == nil {
			break
		}
		if !isSQLiteBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		s.logger.Printf("append outcome failed run=%s task=%s agent=%s: %v", runID, outcome.TaskID, outcome.AgentID, err)
	}
	s.event(ctx, runID, domain.RunEventAttempt, outcome.AgentID,
		fmt.Sprintf("task=%s status=%s attempt=%d", outcome.TaskID, outcome.Status, outcome.Attempt), nil)
}

func runStatusForOutcomes(outcomes []domain.Outcome) domain.RunStatus {
	success := 0
	for _, o := range outcomes {
		if o.Status == domain.OutcomeStatusSuccess {
			success++
		}
	}
	switch {
	case len(outcomes) == 0:
		return domain.RunStatusFailed
	case success == len(outcomes):
		return domain.RunStatusSucceeded
	case success == 0:
		return domain.RunStatusFailed
	default:
		return domain.RunStatusPartial
	}
}

func subTask(parent domain.Task, index int, payload json.RawMessage, constraints map[string]string) domain.Task {
	sub := domain.Task{
		ID:       fmt.Sprintf("%s.%d", parent.ID, index),
		Payload:  payload,
		Deadline: parent.Deadline,
	}
	if len(parent.Constraints)+len(constraints) > 0 {
		merged := make(map[string]string, len(parent.Constraints)+len(constraints))
		for k, v := range parent.Constraints {
			merged[k] = v
		}
		for k, v := range constraints {
			merged[k] = v
		}
		sub.Constraints = merged
	}
	return sub
}

func agentIDs(handles []agent.Handle) []string {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		if h != nil {
			ids = append(ids, h.ID())
		}
	}
	return ids
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
