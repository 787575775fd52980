package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers a fleet run once per day at a fixed UTC wall-clock time.
// A trigger that fires while the previous run is still in progress is skipped
// rather than queued; the next day's run picks up from the watermarks.
type Scheduler struct {
	controller *Controller
	symbols    []string
	at         time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	fires   sync.WaitGroup
}

// NewScheduler creates a scheduler that fires daily at the given offset from
// UTC midnight.
func NewScheduler(controller *Controller, symbols []string, at time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		controller: controller,
		symbols:    symbols,
		at:         at,
		logger:     logger,
		now:        time.Now,
	}
}

// Start launches the scheduling loop. It is a no-op if already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	s.logger.Info("fleet scheduler started", "daily_at", s.at.String())
}

// Stop halts the scheduling loop and waits for it to exit. An in-flight fleet
// run is cancelled through its context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.fires.Wait()
	s.logger.Info("fleet scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		wait := s.untilNextFire()
		s.logger.Info("next fleet run scheduled", "in", wait.Round(time.Second).String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Fire in a goroutine so the loop keeps ticking while a run is in
		// progress; fire skips the overlap itself.
		s.fires.Add(1)
		go func() {
			defer s.fires.Done()
			s.fire(ctx)
		}()
	}
}

// fire runs the fleet unless a run is already in progress.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("skipping scheduled fleet run, previous run still in progress")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.controller.Run(ctx, s.symbols); err != nil {
		s.logger.Error("scheduled fleet run failed", "error", err)
	}
}

// untilNextFire computes the delay to the next daily fire time, always in the
// future.
func (s *Scheduler) untilNextFire() time.Duration {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(s.at)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
