package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agent_ensemble/internal/agent"
	"agent_ensemble/internal/config"
	"agent_ensemble/internal/domain"
	"agent_ensemble/internal/fs"
	"agent_ensemble/internal/messaging/inproc"
	"agent_ensemble/internal/orchestrator"
	"agent_ensemble/internal/policy"
	sqlitestore "agent_ensemble/internal/store/sqlite"
)

type app struct {
	cfg      config.Config
	svc      *orchestrator.Service
	roster   *agent.Roster
	selector *policy.Engine
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agent_ensemble/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	exportFlag := flag.String("export", "", "run export directory override")
	demo := flag.Bool("demo", false, "register a demo agent roster on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" || !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("config not found, using defaults")
	}

	addr := firstNonEmpty(*addrFlag, cfg.Addr, ":8094")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.DBPath, "data/agent_ensemble.db")
	exportRoot := firstNonEmpty(*exportFlag, cfg.ExportRoot, "exports")
	dbPath = filepath.Clean(dbPath)
	exportRoot = filepath.Clean(exportRoot)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(256)
	selector := policy.New()
	exporter, err := fs.NewExporter(exportRoot)
	if err != nil {
		log.Fatalf("create run exporter: %v", err)
	}

	engineCfg := orchestrator.Config{
		AttemptTimeout:  durationMS(cfg.Engine.AttemptTimeoutMS, 30*time.Second),
		RetryBackoff:    durationMS(cfg.Engine.RetryBackoffMS, 200*time.Millisecond),
		MaxRetries:      intOrDefault(cfg.Engine.MaxRetries, 2),
		MaxConcurrent:   intOrDefault(cfg.Engine.MaxConcurrent, 8),
		PoolCapacity:    intOrDefault(cfg.Engine.PoolCapacity, 128),
		DebateRounds:    intOrDefault(cfg.Engine.DebateRounds, 3),
		DebateThreshold: floatOrDefault(cfg.Engine.DebateThreshold, 0.9),
		SwarmMaxRounds:  intOrDefault(cfg.Engine.SwarmMaxRounds, 12),
		SwarmDecayRate:  floatOrDefault(cfg.Engine.SwarmDecayRate, 0.1),
		SwarmEpsilon:    floatOrDefault(cfg.Engine.SwarmEpsilon, 0.01),
		Retention:       time.Duration(intOrDefault(cfg.Engine.RetentionHours, 24)) * time.Hour,
		JanitorInterval: durationMS(cfg.Engine.JanitorIntervalMS, 5*time.Minute),
	}
	svc, err := orchestrator.New(store, selector, bus, exporter, engineCfg, log.Default())
	if err != nil {
		log.Fatalf("create orchestrator: %v", err)
	}
	svc.Start(ctx)

	roster := agent.NewRoster()
	if err := seedAgents(roster, cfg.Agents); err != nil {
		log.Fatalf("seed configured agents: %v", err)
	}
	if *demo {
		if err := bootstrapDemo(roster); err != nil {
			log.Printf("demo roster failed: %v", err)
		}
	}

	a := &app{
		cfg:      cfg,
		svc:      svc,
		roster:   roster,
		selector: selector,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/run", a.handleRun)
	mux.HandleFunc("/delegate", a.handleDelegate)
	mux.HandleFunc("/debate", a.handleDebate)
	mux.HandleFunc("/vote", a.handleVote)
	mux.HandleFunc("/pipeline", a.handlePipeline)
	mux.HandleFunc("/swarm", a.handleSwarm)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"agent_ensemble started addr=%s db=%s exports=%s agents=%d",
		addr,
		dbPath,
		exportRoot,
		roster.Len(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": a.roster.Len(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

type agentView struct {
	ID        string   `json:"id"`
	Expertise []string `json:"expertise"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	TimedOut  int      `json:"timed_out"`
	Load      float64  `json:"load"`
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	loads := make(map[string]policy.AgentLoad)
	for _, l := range a.selector.Loads() {
		loads[l.AgentID] = l
	}
	views := make([]agentView, 0, a.roster.Len())
	for _, h := range a.roster.List() {
		l := loads[h.ID()]
		views = append(views, agentView{
			ID:        h.ID(),
			Expertise: h.Expertise(),
			Completed: l.Completed,
			Failed:    l.Failed,
			TimedOut:  l.TimedOut,
			Load:      l.Load,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type taskRequest struct {
	TaskID      string            `json:"task_id"`
	Payload     json.RawMessage   `json:"payload"`
	Constraints map[string]string `json:"constraints"`
	DeadlineMS  int               `json:"deadline_ms"`
	TimeoutMS   int               `json:"timeout_ms"`
	MaxRetries  int               `json:"max_retries"`
}

func (t taskRequest) task() domain.Task {
	task := domain.Task{
		ID:          t.TaskID,
		Payload:     t.Payload,
		Constraints: t.Constraints,
	}
	if t.DeadlineMS > 0 {
		v := time.Now().UTC().Add(time.Duration(t.DeadlineMS) * time.Millisecond)
		task.Deadline = &v
	}
	return task
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		taskRequest
		AgentID     string   `json:"agent_id"`
		FallbackIDs []string `json:"fallback_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent_id is required"))
		return
	}
	handles, err := a.roster.Resolve(append([]string{req.AgentID}, req.FallbackIDs...))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome := a.svc.RunTask(r.Context(), orchestrator.Invocation{
		Task:       req.task(),
		Agent:      handles[0],
		Fallbacks:  handles[1:],
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
	})
	writeJSON(w, http.StatusOK, outcome)
}

func (a *app) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		taskRequest
		WorkerIDs   []string `json:"worker_ids"`
		SplitPolicy string   `json:"split_policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	workers, err := a.resolveOrAll(req.WorkerIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.svc.Delegate(r.Context(), orchestrator.DelegateInput{
		Task:        req.task(),
		Workers:     workers,
		SplitPolicy: req.SplitPolicy,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *app) handleDebate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Topic          string  `json:"topic"`
		ProposerStance string  `json:"proposer_stance"`
		CriticStance   string  `json:"critic_stance"`
		ProposerID     string  `json:"proposer_id"`
		CriticID       string  `json:"critic_id"`
		Rounds         int     `json:"rounds"`
		Threshold      float64 `json:"threshold"`
		Strategy       string  `json:"strategy"`
		TimeoutMS      int     `json:"timeout_ms"`
		MaxRetries     int     `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.ProposerID == "" || req.CriticID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("proposer_id and critic_id are required"))
		return
	}
	handles, err := a.roster.Resolve([]string{req.ProposerID, req.CriticID})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := a.svc.RunDebate(r.Context(), orchestrator.DebateInput{
		Topic:          req.Topic,
		ProposerStance: req.ProposerStance,
		CriticStance:   req.CriticStance,
		Proposer:       handles[0],
		Critic:         handles[1],
		NumRounds:      req.Rounds,
		Threshold:      req.Threshold,
		Strategy:       req.Strategy,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *app) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		taskRequest
		AgentIDs []string `json:"agent_ids"`
		Strategy string   `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	agents, err := a.resolveOrAll(req.AgentIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := a.svc.Vote(r.Context(), orchestrator.VoteInput{
		Task:       req.task(),
		Agents:     agents,
		Strategy:   req.Strategy,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *app) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskID     string          `json:"task_id"`
		Input      json.RawMessage `json:"input"`
		TimeoutMS  int             `json:"timeout_ms"`
		MaxRetries int             `json:"max_retries"`
		Stages     []struct {
			AgentID      string        `json:"agent_id"`
			InputSchema  domain.Schema `json:"input_schema"`
			OutputSchema domain.Schema `json:"output_schema"`
			Skip         bool          `json:"skip"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	stages := make([]orchestrator.PipelineStage, 0, len(req.Stages))
	for i, st := range req.Stages {
		stage := orchestrator.PipelineStage{
			InputSchema:  st.InputSchema,
			OutputSchema: st.OutputSchema,
			Skip:         st.Skip,
		}
		if !st.Skip {
			h, ok := a.roster.Get(st.AgentID)
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Errorf("%w: stage %d agent %q", agent.ErrAgentUnknown, i, st.AgentID))
				return
			}
			stage.Agent = h
		}
		stages = append(stages, stage)
	}
	run, err := a.svc.RunPipeline(r.Context(), orchestrator.PipelineInput{
		Stages:     stages,
		Input:      req.Input,
		TaskID:     req.TaskID,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *app) handleSwarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		taskRequest
		AgentIDs  []string `json:"agent_ids"`
		MaxRounds int      `json:"max_rounds"`
		DecayRate float64  `json:"decay_rate"`
		Epsilon   float64  `json:"epsilon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	agents, err := a.resolveOrAll(req.AgentIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.svc.RunSwarm(r.Context(), orchestrator.SwarmInput{
		Task:       req.task(),
		Agents:     agents,
		MaxRounds:  req.MaxRounds,
		DecayRate:  req.DecayRate,
		Epsilon:    req.Epsilon,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	runs, err := a.svc.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(trimmed, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := a.svc.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	action := parts[1]
	switch action {
	case "outcomes":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 500)
		items, err := a.svc.ListRunOutcomes(r.Context(), runID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 500)
		items, err := a.svc.ListRunEvents(r.Context(), runID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "export":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		path, err := a.svc.ExportRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": path})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

// resolveOrAll maps ids to handles, or returns the whole roster when no ids
// were given.
func (a *app) resolveOrAll(ids []string) ([]agent.Handle, error) {
	if len(ids) > 0 {
		return a.roster.Resolve(ids)
	}
	handles := a.roster.List()
	if len(handles) == 0 {
		return nil, fmt.Errorf("no agents registered")
	}
	return handles, nil
}

func seedAgents(roster *agent.Roster, seeds map[string]config.AgentSeed) error {
	ids := make([]string, 0, len(seeds))
	for id := range seeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		seed := seeds[id]
		var (
			h   agent.Handle
			err error
		)
		switch seed.Kind {
		case "remote":
			h, err = agent.NewRemote(agent.RemoteConfig{
				ID:        id,
				Expertise: seed.Expertise,
				Endpoint:  seed.Endpoint,
				AuthToken: seed.AuthToken,
				Timeout:   durationMS(seed.TimeoutMS, 0),
				Retries:   seed.Retries,
			})
			if err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
		default:
			h = agent.NewSimulated(agent.SimulatedConfig{
				ID:         id,
				Expertise:  seed.Expertise,
				Behavior:   seed.Behavior,
				Choices:    seed.Choices,
				Confidence: seed.Confidence,
				Latency:    durationMS(seed.LatencyMS, 0),
				FailEvery:  seed.FailEvery,
			})
		}
		if err := roster.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func bootstrapDemo(roster *agent.Roster) error {
	demos := []agent.SimulatedConfig{
		{ID: "researcher-1", Expertise: []string{"research", "analysis"}, Behavior: agent.BehaviorEcho, Confidence: 0.85},
		{ID: "researcher-2", Expertise: []string{"research", "synthesis"}, Behavior: agent.BehaviorEcho, Confidence: 0.75},
		{ID: "flaky-1", Expertise: []string{"research"}, Behavior: agent.BehaviorEcho, Confidence: 0.7, FailEvery: 2},
		{ID: "analyst-1", Expertise: []string{"analysis"}, Behavior: agent.BehaviorChoose, Choices: []string{"approve", "reject"}, Confidence: 0.7},
		{ID: "analyst-2", Expertise: []string{"analysis", "review"}, Behavior: agent.BehaviorChoose, Choices: []string{"approve", "reject"}, Confidence: 0.65},
		{ID: "reviewer-1", Expertise: []string{"review"}, Behavior: agent.BehaviorChoose, Choices: []string{"approve", "reject"}, Confidence: 0.6},
		{ID: "scout-1", Expertise: []string{"scouting"}, Behavior: agent.BehaviorDeposit, Choices: []string{"north", "south"}, Confidence: 0.8},
		{ID: "scout-2", Expertise: []string{"scouting"}, Behavior: agent.BehaviorDeposit, Choices: []string{"north", "south"}, Confidence: 0.6},
		{ID: "scout-3", Expertise: []string{"scouting"}, Behavior: agent.BehaviorDeposit, Choices: []string{"north"}, Confidence: 0.5},
	}
	for _, cfg := range demos {
		if err := roster.Register(agent.NewSimulated(cfg)); err != nil {
			return err
		}
	}
	log.Printf("demo roster registered agents=%d", len(demos))
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOrDefault(v float64, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
