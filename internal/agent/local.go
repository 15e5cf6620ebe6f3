package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"agent_ensemble/internal/domain"
)

const (
	BehaviorEcho    = "echo"
	BehaviorChoose  = "choose"
	BehaviorDeposit = "deposit"
)

type SimulatedConfig struct {
	ID         string
	Expertise  []string
	Behavior   string
	Choices    []string
	Confidence float64
	Latency    time.Duration
	FailEvery  int
}

// Simulated is a deterministic in-process agent used for demos and load
// shaping. Behavior selects what Execute produces: echo returns the task
// payload, choose picks one of the configured choices, deposit emits signal
// deposits for swarm runs. FailEvery > 0 makes every Nth call fail.
type Simulated struct {
	cfg SimulatedConfig

	mu    sync.Mutex
	calls int
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Behavior == "" {
		cfg.Behavior = BehaviorEcho
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.8
	}
	return &Simulated{cfg: cfg}
}

func (s *Simulated) ID() string { return s.cfg.ID }

func (s *Simulated) Expertise() []string { return s.cfg.Expertise }

func (s *Simulated) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Simulated) Execute(ctx context.Context, task domain.Task) (Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if s.cfg.FailEvery > 0 && call%s.cfg.FailEvery == 0 {
		return Result{}, fmt.Errorf("simulated failure on call %d", call)
	}

	switch s.cfg.Behavior {
	case BehaviorChoose:
		return s.choose(task)
	case BehaviorDeposit:
		return s.deposit(task)
	default:
		return Result{Value: task.Payload, Confidence: s.cfg.Confidence}, nil
	}
}

func (s *Simulated) choose(task domain.Task) (Result, error) {
	choices := s.cfg.Choices
	if len(choices) == 0 {
		choices = payloadChoices(task.Payload)
	}
	if len(choices) == 0 {
		return Result{}, fmt.Errorf("agent %s has no choices to pick from", s.cfg.ID)
	}
	choice := choices[hashIndex(s.cfg.ID, task.Payload, len(choices))]
	value, err := json.Marshal(choice)
	if err != nil {
		return Result{}, fmt.Errorf("encode choice: %w", err)
	}
	return Result{Value: value, Confidence: s.cfg.Confidence}, nil
}

func (s *Simulated) deposit(task domain.Task) (Result, error) {
	tag := s.cfg.Behavior
	if len(s.cfg.Choices) > 0 {
		tag = s.cfg.Choices[hashIndex(s.cfg.ID, task.Payload, len(s.cfg.Choices))]
	} else if len(s.cfg.Expertise) > 0 {
		tag = s.cfg.Expertise[0]
	}
	cell := fmt.Sprintf("cell-%d", hashIndex(s.cfg.ID, task.Payload, 4))
	deposits := []domain.Deposit{{Cell: cell, Tag: tag, Intensity: s.cfg.Confidence}}
	value, err := json.Marshal(deposits)
	if err != nil {
		return Result{}, fmt.Errorf("encode deposits: %w", err)
	}
	return Result{Value: value, Confidence: s.cfg.Confidence}, nil
}

func payloadChoices(payload json.RawMessage) []string {
	var wrapper struct {
		Choices []string `json:"choices"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return nil
	}
	return wrapper.Choices
}

func hashIndex(agentID string, payload json.RawMessage, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write(payload)
	return int(h.Sum32() % uint32(n))
}
