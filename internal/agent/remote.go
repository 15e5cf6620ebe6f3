package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"agent_ensemble/internal/domain"
)

const (
	defaultRemoteTimeout = 30 * time.Second
	defaultRemoteRetries = 2
	defaultRemoteBackoff = 500 * time.Millisecond

	maxRemoteResponseBytes  = 4 << 20
	maxRemoteErrorBodyBytes = 64 << 10
)

type RemoteConfig struct {
	ID        string
	Expertise []string
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	Client    *http.Client
	Logger    *log.Logger
}

// Remote executes tasks against an HTTP endpoint speaking the execute
// protocol: POST {"task": ...} in, {"value": ..., "confidence": ...} out.
// Transport-level failures retry with linear backoff before the attempt is
// surfaced to the orchestrator.
type Remote struct {
	id        string
	expertise []string
	endpoint  string
	authToken string
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	client    *http.Client
	logger    *log.Logger
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("remote agent id is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("remote agent endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("remote agent endpoint must be http(s): %s", endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Retries == 0 {
		cfg.Retries = defaultRemoteRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultRemoteBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Remote{
		id:        cfg.ID,
		expertise: cfg.Expertise,
		endpoint:  endpoint,
		authToken: strings.TrimSpace(cfg.AuthToken),
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		backoff:   cfg.Backoff,
		client:    client,
		logger:    logger,
	}, nil
}

func (r *Remote) ID() string { return r.id }

func (r *Remote) Expertise() []string { return r.expertise }

func (r *Remote) Execute(ctx context.Context, task domain.Task) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries+1; attempt++ {
		res, err := r.executeOnce(ctx, task)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryableRemoteError(err) || attempt == r.retries+1 {
			break
		}
		wait := time.Duration(attempt) * r.backoff
		r.logger.Printf("remote agent retrying agent=%s attempt=%d wait=%s reason=%v", r.id, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Result{}, fmt.Errorf("remote agent %s: %w", r.id, lastErr)
}

type remoteRequest struct {
	Task domain.Task `json:"task"`
}

type remoteResponse struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Error      string          `json:"error,omitempty"`
}

func (r *Remote) executeOnce(ctx context.Context, task domain.Task) (Result, error) {
	body, err := json.Marshal(remoteRequest{Task: task})
	if err != nil {
		return Result{}, fmt.Errorf("encode execute request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call execute endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxRemoteErrorBodyBytes))
		return Result{}, &remoteHTTPError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(errBody))}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read execute response: %w", err)
	}
	var parsed remoteResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode execute response: %w", err)
	}
	if parsed.Error != "" {
		return Result{}, fmt.Errorf("remote execution failed: %s", parsed.Error)
	}
	if len(bytes.TrimSpace(parsed.Value)) == 0 {
		return Result{}, fmt.Errorf("remote execution returned no value")
	}
	return Result{Value: parsed.Value, Confidence: parsed.Confidence}, nil
}

type remoteHTTPError struct {
	statusCode int
	body       string
}

func (e *remoteHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("execute endpoint returned status %d", e.statusCode)
	}
	return fmt.Sprintf("execute endpoint returned status %d: %s", e.statusCode, e.body)
}

func isRetryableRemoteError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *remoteHTTPError
	if errors.As(err, &httpErr) {
		if httpErr.statusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.statusCode >= 500 && httpErr.statusCode <= 599
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}
