package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an ingestion instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// ConflictError is returned when a start request collides with an instance
// that is already pending or running for the same symbol.
type ConflictError struct {
	InstanceID string
	Symbol     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s already active for symbol %s", e.InstanceID, e.Symbol)
}

// Instance is one tracked execution of the state machine for a symbol. The
// instance ID is derived from the symbol so that at most one instance per
// symbol can be active at a time; the run ID is unique per execution.
type Instance struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Symbol      string     `json:"symbol"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      *Result    `json:"result,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// InstanceID returns the registry key for a symbol's ingestion instance.
func InstanceID(symbol string) string {
	return "incremental-" + symbol
}

// Registry tracks ingestion instances and enforces per-symbol mutual
// exclusion. Completed, failed, and terminated instances remain visible until
// a new start for the same symbol replaces them.
type Registry struct {
	runner *Runner
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry creates a registry that executes runs with the given runner.
func NewRegistry(runner *Runner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runner:    runner,
		logger:    logger,
		now:       time.Now,
		instances: make(map[string]*Instance),
	}
}

// Start launches an asynchronous run for the symbol and returns its instance
// snapshot immediately. It returns a ConflictError if an instance for the
// symbol is already pending or running. The run is detached from the caller's
// context: an HTTP trigger returning does not cancel the ingestion.
func (r *Registry) Start(symbol string) (*Instance, error) {
	inst, err := r.register(symbol)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	inst.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		r.execute(runCtx, inst)
	}()

	return r.snapshot(inst.ID), nil
}

// Run executes a run for the symbol synchronously under the caller's context,
// still registered for visibility and mutual exclusion. The fleet controller
// uses this so its own context governs cancellation.
func (r *Registry) Run(ctx context.Context, symbol string) (*Result, error) {
	inst, err := r.register(symbol)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	inst.cancel = cancel
	r.mu.Unlock()

	r.execute(runCtx, inst)

	snap := r.snapshot(inst.ID)
	if snap.Status != StatusCompleted {
		return snap.Result, fmt.Errorf("run %s: %s", symbol, snap.Error)
	}
	return snap.Result, nil
}

// register claims the symbol's instance slot, replacing any finished instance.
func (r *Registry) register(symbol string) (*Instance, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := InstanceID(symbol)
	if existing, ok := r.instances[id]; ok {
		if existing.Status == StatusPending || existing.Status == StatusRunning {
			return nil, &ConflictError{InstanceID: id, Symbol: symbol}
		}
	}

	inst := &Instance{
		ID:        id,
		RunID:     uuid.New().String(),
		Symbol:    symbol,
		Status:    StatusPending,
		StartedAt: r.now().UTC(),
		done:      make(chan struct{}),
	}
	r.instances[id] = inst
	return inst, nil
}

// execute drives one registered run to a terminal status.
func (r *Registry) execute(ctx context.Context, inst *Instance) {
	defer close(inst.done)

	r.setStatus(inst.ID, StatusRunning, "", nil)
	r.logger.Info("instance started",
		"instance_id", inst.ID, "run_id", inst.RunID, "symbol", inst.Symbol)

	result, err := r.runner.Run(ctx, inst.Symbol)

	switch {
	case ctx.Err() != nil && r.status(inst.ID) == StatusTerminated:
		r.setStatus(inst.ID, StatusTerminated, "terminated", result)
		r.logger.Warn("instance terminated", "instance_id", inst.ID, "symbol", inst.Symbol)
	case err != nil:
		r.setStatus(inst.ID, StatusFailed, err.Error(), result)
		r.logger.Error("instance failed",
			"instance_id", inst.ID, "symbol", inst.Symbol, "error", err)
	default:
		r.setStatus(inst.ID, StatusCompleted, "", result)
		r.logger.Info("instance completed",
			"instance_id", inst.ID, "symbol", inst.Symbol,
			"months_processed", result.MonthsProcessed,
			"rows_written", result.RowsWritten)
	}
}

// Terminate cancels a pending or running instance. Cancellation is observed
// at the next context check inside the run; the in-flight month is not rolled
// back, but the watermark only moves on completed cycles so a later restart
// resumes cleanly.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("instance %s not found", id)
	}
	if inst.Status != StatusPending && inst.Status != StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("instance %s is not active (status %s)", id, inst.Status)
	}
	inst.Status = StatusTerminated
	cancel := inst.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a snapshot of the instance, or nil if it is unknown.
func (r *Registry) Get(id string) *Instance {
	return r.snapshot(id)
}

// List returns snapshots of all known instances, ordered by symbol.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if snap := r.snapshot(id); snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// Wait blocks until the instance reaches a terminal status or the context is
// done, then returns its final snapshot.
func (r *Registry) Wait(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}

	select {
	case <-inst.done:
		return r.snapshot(id), nil
	case <-ctx.Done():
		return r.snapshot(id), ctx.Err()
	}
}

func (r *Registry) status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst.Status
	}
	return ""
}

func (r *Registry) setStatus(id string, status Status, errMsg string, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return
	}
	// A terminate request wins over the run goroutine's own transitions.
	if inst.Status == StatusTerminated {
		switch status {
		case StatusRunning:
			return
		case StatusFailed:
			status = StatusTerminated
			errMsg = "terminated"
		}
	}
	inst.Status = status
	inst.Error = errMsg
	if result != nil {
		inst.Result = result
	}
	if status == StatusCompleted || status == StatusFailed || status == StatusTerminated {
		now := r.now().UTC()
		inst.CompletedAt = &now
	}
}

func (r *Registry) snapshot(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil
	}
	cp := *inst
	cp.cancel = nil
	cp.done = nil
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		cp.CompletedAt = &t
	}
	if inst.Result != nil {
		res := *inst.Result
		cp.Result = &res
	}
	return &cp
}
