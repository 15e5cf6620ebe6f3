package domain

import (
	"encoding/json"
	"time"
)

type OutcomeStatus string

const (
	OutcomeStatusSuccess  OutcomeStatus = "success"
	OutcomeStatusFailed   OutcomeStatus = "failed"
	OutcomeStatusTimedOut OutcomeStatus = "timed_out"
)

type FaultKind string

const (
	FaultAgentFailure          FaultKind = "agent_failure"
	FaultAgentTimeout          FaultKind = "agent_timeout"
	FaultAllFallbacksExhausted FaultKind = "all_fallbacks_exhausted"
	FaultValidationFailure     FaultKind = "validation_failure"
	FaultNoQuorum              FaultKind = "no_quorum"
)

type Pattern string

const (
	PatternRun      Pattern = "run"
	PatternDelegate Pattern = "delegate"
	PatternDebate   Pattern = "debate"
	PatternVote     Pattern = "vote"
	PatternPipeline Pattern = "pipeline"
	PatternSwarm    Pattern = "swarm"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

type StageState string

const (
	StageStatePending    StageState = "pending"
	StageStateExecuting  StageState = "executing"
	StageStateValidating StageState = "validating"
	StageStateCommitted  StageState = "committed"
	StageStateRolledBack StageState = "rolled_back"
)

// ConstraintRequires names the task constraint carrying required expertise
// tags, comma separated.
const ConstraintRequires = "requires"

const (
	RunEventStarted    = "run_started"
	RunEventAttempt    = "attempt"
	RunEventFallback   = "fallback"
	RunEventRound      = "round"
	RunEventStage      = "stage"
	RunEventSwarmRound = "swarm_round"
	RunEventFinished   = "run_finished"
	RunEventExport     = "export"
)

type Task struct {
	ID          string            `json:"id"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
}

type Outcome struct {
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Confidence float64         `json:"confidence"`
	Status     OutcomeStatus   `json:"status"`
	Attempt    int             `json:"attempt"`
	Fault      FaultKind       `json:"fault,omitempty"`
	Err        string          `json:"error,omitempty"`
	ElapsedMS  int64           `json:"elapsed_ms"`
}

type Round struct {
	Index          int     `json:"index"`
	Proposer       Outcome `json:"proposer"`
	Critic         Outcome `json:"critic"`
	Score          float64 `json:"score"`
	ConvergedDelta float64 `json:"converged_delta"`
}

type Decision struct {
	RunID           string             `json:"run_id,omitempty"`
	WinningChoice   string             `json:"winning_choice"`
	AggregateScore  float64            `json:"aggregate_score"`
	SupportingVotes []Outcome          `json:"supporting_votes,omitempty"`
	Dissent         []Outcome          `json:"dissent,omitempty"`
	Abstentions     []Outcome          `json:"abstentions,omitempty"`
	Weights         map[string]float64 `json:"weights,omitempty"`
	VoteCounts      map[string]int     `json:"vote_counts,omitempty"`
	Consensus       float64            `json:"consensus,omitempty"`
	Rounds          []Round            `json:"rounds,omitempty"`
	RoundsRun       int                `json:"rounds_run,omitempty"`
	Converged       bool               `json:"converged,omitempty"`
	Fault           FaultKind          `json:"fault,omitempty"`
}

type Schema struct {
	Type   string   `json:"type,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

type StageResult struct {
	Index     int        `json:"index"`
	State     StageState `json:"state"`
	Outcome   Outcome    `json:"outcome"`
	Skipped   bool       `json:"skipped,omitempty"`
	Fault     FaultKind  `json:"fault,omitempty"`
	Err       string     `json:"error,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
}

type PipelineRun struct {
	RunID         string          `json:"run_id,omitempty"`
	Status        RunStatus       `json:"status"`
	CommittedUpTo int             `json:"committed_up_to"`
	FailedStage   int             `json:"failed_stage"`
	Stages        []StageResult   `json:"stages"`
	Value         json.RawMessage `json:"value,omitempty"`
}

type Deposit struct {
	Cell      string  `json:"cell"`
	Tag       string  `json:"tag"`
	Intensity float64 `json:"intensity"`
}

type SwarmReport struct {
	RunID          string            `json:"run_id,omitempty"`
	Readout        map[string]string `json:"readout"`
	RoundsUsed     int               `json:"rounds_used"`
	Stabilized     bool              `json:"stabilized"`
	TotalIntensity float64           `json:"total_intensity"`
	Convergence    float64           `json:"convergence"`
	FailedSteps    int               `json:"failed_steps"`
}

type DelegateReport struct {
	RunID           string            `json:"run_id,omitempty"`
	Outcomes        []Outcome         `json:"outcomes"`
	Assignments     map[string]string `json:"assignments,omitempty"`
	PartiallyFailed bool              `json:"partially_failed"`
}

type RunRecord struct {
	ID         string          `json:"id"`
	Pattern    Pattern         `json:"pattern"`
	Status     RunStatus       `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Actor     string          `json:"actor,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
