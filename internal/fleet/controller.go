package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryptodatalake/kline-ingestor/internal/ingest"
)

// TransitionTimeoutError is returned when the compute pool does not reach the
// Online state within the configured polling window.
type TransitionTimeoutError struct {
	Attempts  int
	Interval  time.Duration
	LastState PoolState
}

func (e *TransitionTimeoutError) Error() string {
	return fmt.Sprintf("pool did not come online after %d checks at %s intervals (last state %s)",
		e.Attempts, e.Interval, e.LastState)
}

// ControllerConfig tunes the fleet controller's pool polling behavior.
type ControllerConfig struct {
	// PollInterval is the delay between pool status checks while waiting for
	// the Online state.
	PollInterval time.Duration
	// PollAttempts bounds how many status checks are made before giving up.
	PollAttempts int
	// SkipPause leaves the pool running after the fleet finishes.
	SkipPause bool
}

// DefaultControllerConfig returns the standard polling window: 20 checks at
// 30 second intervals, ten minutes end to end.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		PollInterval: 30 * time.Second,
		PollAttempts: 20,
	}
}

// Controller runs the whole symbol fleet as one operation. It resumes the
// shared compute pool, waits for it to come online, executes one ingestion
// run per symbol in parallel, and pauses the pool again before returning.
type Controller struct {
	pool     ComputePool
	registry *ingest.Registry
	cfg      ControllerConfig
	logger   *slog.Logger
}

// NewController creates a fleet controller over the given pool and registry.
func NewController(pool ComputePool, registry *ingest.Registry, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 20
	}
	return &Controller{
		pool:     pool,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// FleetResult reports the outcome of one fleet run.
type FleetResult struct {
	Started    time.Time                 `json:"started"`
	Finished   time.Time                 `json:"finished"`
	Succeeded  []string                  `json:"succeeded"`
	Failed     []string                  `json:"failed"`
	Results    map[string]*ingest.Result `json:"results"`
	PauseError string                    `json:"pause_error,omitempty"`
}

// Run executes a fleet cycle over the given symbols. Symbol failures are
// independent: each failed symbol is reported but does not cancel its
// siblings, and the pool is still paused afterwards. The returned error joins
// the per-symbol errors only; the pause step is best effort, so its failure
// is logged and recorded on the result without changing the overall status.
func (c *Controller) Run(ctx context.Context, symbols []string) (*FleetResult, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured")
	}

	result := &FleetResult{
		Started: time.Now().UTC(),
		Results: make(map[string]*ingest.Result, len(symbols)),
	}

	if err := c.bringOnline(ctx); err != nil {
		return nil, err
	}

	defer func() {
		result.Finished = time.Now().UTC()
		if c.cfg.SkipPause {
			return
		}
		// Best effort: the run results are already final at this point and a
		// pause failure does not change them.
		pauseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if pauseErr := c.pool.Pause(pauseCtx); pauseErr != nil {
			c.logger.Error("failed to pause pool", "error", pauseErr)
			result.PauseError = pauseErr.Error()
		} else {
			c.logger.Info("pool pause requested")
		}
	}()

	c.logger.Info("starting fleet run", "symbols", len(symbols))

	type outcome struct {
		symbol string
		result *ingest.Result
		err    error
	}

	var errs []error
	outcomes := make(chan outcome, len(symbols))
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			res, err := c.registry.Run(ctx, symbol)
			outcomes <- outcome{symbol: symbol, result: res, err: err}
		}(symbol)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		if o.result != nil {
			result.Results[o.symbol] = o.result
		}
		if o.err != nil {
			result.Failed = append(result.Failed, o.symbol)
			errs = append(errs, fmt.Errorf("symbol %s: %w", o.symbol, o.err))
			continue
		}
		result.Succeeded = append(result.Succeeded, o.symbol)
	}

	c.logger.Info("fleet run finished",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed))

	return result, errors.Join(errs...)
}

// bringOnline resumes the pool if needed and polls until it reports Online.
// An already-online pool short-circuits without issuing a resume.
func (c *Controller) bringOnline(ctx context.Context) error {
	state, err := c.pool.Status(ctx)
	if err != nil {
		return fmt.Errorf("check pool status: %w", err)
	}
	if state == PoolOnline {
		c.logger.Info("pool already online")
		return nil
	}

	c.logger.Info("resuming pool", "state", state)
	if state != PoolResuming {
		if err := c.pool.Resume(ctx); err != nil {
			return fmt.Errorf("resume pool: %w", err)
		}
	}

	lastState := state
	operation := func() error {
		s, err := c.pool.Status(ctx)
		if err != nil {
			return err
		}
		lastState = s
		if s != PoolOnline {
			return fmt.Errorf("pool state %s", s)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.cfg.PollInterval),
			uint64(c.cfg.PollAttempts-1)),
		ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransitionTimeoutError{
			Attempts:  c.cfg.PollAttempts,
			Interval:  c.cfg.PollInterval,
			LastState: lastState,
		}
	}

	c.logger.Info("pool online")
	return nil
}
