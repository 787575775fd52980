// Package fleet orchestrates full-fleet ingestion runs: it brings the shared
// compute pool online, fans out one ingestion run per configured symbol, and
// pauses the pool again when the fleet finishes.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// PoolState is the lifecycle state reported by the compute pool's management
// surface.
type PoolState string

const (
	PoolOnline   PoolState = "Online"
	PoolPaused   PoolState = "Paused"
	PoolResuming PoolState = "Resuming"
	PoolPausing  PoolState = "Pausing"
	PoolUnknown  PoolState = "Unknown"
)

// ComputePool abstracts the pausable shared compute resource the ingestion
// fleet depends on.
type ComputePool interface {
	Status(ctx context.Context) (PoolState, error)
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
}

// PoolError wraps a failed management API call with the operation that
// produced it.
type PoolError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *PoolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pool %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("pool %s: %v", e.Operation, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// ManagementPool drives a compute pool through its REST management API. The
// status endpoint returns a resource document whose properties carry the
// lifecycle state; resume and pause are asynchronous POSTs that the caller
// polls to completion via Status.
type ManagementPool struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewManagementPool creates a pool client for the management endpoint rooted
// at baseURL, authenticating with the given bearer token.
func NewManagementPool(baseURL, token string, logger *slog.Logger) *ManagementPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagementPool{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

var _ ComputePool = (*ManagementPool)(nil)

// Status fetches the pool's current lifecycle state.
func (p *ManagementPool) Status(ctx context.Context) (PoolState, error) {
	body, err := p.do(ctx, http.MethodGet, "")
	if err != nil {
		return PoolUnknown, err
	}

	var doc struct {
		Properties struct {
			Status string `json:"status"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return PoolUnknown, &PoolError{Operation: "status", Err: fmt.Errorf("decode response: %w", err)}
	}

	switch state := PoolState(doc.Properties.Status); state {
	case PoolOnline, PoolPaused, PoolResuming, PoolPausing:
		return state, nil
	default:
		p.logger.Warn("unrecognized pool state", "state", doc.Properties.Status)
		return PoolUnknown, nil
	}
}

// Resume requests that the pool come online. The call returns once the
// request is accepted; the transition completes asynchronously.
func (p *ManagementPool) Resume(ctx context.Context) error {
	_, err := p.do(ctx, http.MethodPost, "/resume")
	return err
}

// Pause requests that the pool be suspended.
func (p *ManagementPool) Pause(ctx context.Context) error {
	_, err := p.do(ctx, http.MethodPost, "/pause")
	return err
}

func (p *ManagementPool) do(ctx context.Context, method, path string) ([]byte, error) {
	op := "status"
	if path != "" {
		op = strings.TrimPrefix(path, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return nil, &PoolError{Operation: op, Err: err}
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &PoolError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &PoolError{Operation: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &PoolError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// NoopPool satisfies ComputePool for deployments without a pausable compute
// resource. Status always reports Online and the transitions do nothing.
type NoopPool struct{}

var _ ComputePool = (*NoopPool)(nil)

func (NoopPool) Status(ctx context.Context) (PoolState, error) { return PoolOnline, nil }
func (NoopPool) Resume(ctx context.Context) error              { return nil }
func (NoopPool) Pause(ctx context.Context) error               { return nil }
