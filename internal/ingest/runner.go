// Package ingest implements the incremental ingestion state machine and the
// per-symbol instance registry.
//
// Each run loads the symbol's watermark, decides between regenerating the
// current (still-open) month and advancing one historical month, invokes the
// fetcher, partition writer, and tracking store strictly in sequence, and
// loops until the symbol is caught up. The watermark is the sole source of
// resumption truth: a failed cycle leaves it unmoved, so re-triggering a
// failed symbol is always a safe, idempotent retry at month granularity.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cryptodatalake/kline-ingestor/internal/models"
	"github.com/cryptodatalake/kline-ingestor/internal/tracking"
)

// Fetcher produces the ordered minute bars for a symbol over a half-open
// window [start, end).
type Fetcher interface {
	FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
}

// PartitionWriter stores one calendar month of bars as an overwritable unit.
type PartitionWriter interface {
	Write(ctx context.Context, symbol string, year, month int, bars []models.Bar) (int, error)
	Delete(ctx context.Context, symbol string, year, month int) error
}

// Result summarizes a completed run for one symbol.
type Result struct {
	Symbol          string    `json:"symbol"`
	MonthsProcessed int       `json:"months_processed"`
	RowsWritten     int64     `json:"rows_written"`
	Regenerated     bool      `json:"regenerated"`
	FinalWatermark  time.Time `json:"final_watermark"`
}

// Runner executes the ingestion state machine for individual symbols. It is
// safe for concurrent use across distinct symbols; per-symbol exclusivity is
// enforced by the Registry, not here.
type Runner struct {
	fetcher  Fetcher
	writer   PartitionWriter
	tracking tracking.Store
	stage    models.Stage
	epoch    time.Time
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a state-machine runner for the bronze ingestion stage.
func NewRunner(fetcher Fetcher, writer PartitionWriter, store tracking.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher:  fetcher,
		writer:   writer,
		tracking: store,
		stage:    models.StageBronze,
		epoch:    models.DefaultEpoch,
		now:      time.Now,
		logger:   logger,
	}
}

// Run processes one symbol from its current watermark until it is caught up,
// one calendar month per cycle. Historical months are fetched whole and the
// watermark advances to the start of the following month; once the watermark
// lands in the current month, that month is regenerated in full and the run
// terminates. Any failure aborts the current cycle with the watermark
// untouched.
func (r *Runner) Run(ctx context.Context, symbol string) (*Result, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	result := &Result{Symbol: symbol}
	logger := r.logger.With("symbol", symbol, "stage", r.stage)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		watermark, err := r.loadWatermark(ctx, symbol)
		if err != nil {
			return result, err
		}
		now := r.now().UTC()

		monthStart := startOfMonth(watermark)
		currentMonthStart := startOfMonth(now)

		switch {
		case monthStart.After(currentMonthStart):
			// Watermark is already past the current month; nothing to do
			// until the clock catches up.
			logger.Info("symbol is up to date", "watermark", watermark)
			result.FinalWatermark = watermark
			return result, nil

		case monthStart.Equal(currentMonthStart):
			// The current month is still open, so its partition is
			// necessarily incomplete: recompute it from the start of the
			// month through now and stop until the next external trigger.
			rows, err := r.regenerateCurrentMonth(ctx, logger, symbol, monthStart, now)
			if err != nil {
				return result, err
			}
			result.MonthsProcessed++
			result.RowsWritten += int64(rows)
			result.Regenerated = true
			result.FinalWatermark = now
			logger.Info("run complete",
				"months_processed", result.MonthsProcessed,
				"rows_written", result.RowsWritten)
			return result, nil

		default:
			// Advance: the month containing the watermark is strictly in the
			// past. Process that whole calendar month, then move the
			// watermark to the start of the following month and loop.
			rows, err := r.advanceMonth(ctx, logger, symbol, monthStart)
			if err != nil {
				return result, err
			}
			result.MonthsProcessed++
			result.RowsWritten += int64(rows)
			result.FinalWatermark = nextMonth(monthStart)
		}
	}
}

// loadWatermark reads the symbol's watermark, defaulting to the epoch when no
// record exists (a symbol that has never been ingested).
func (r *Runner) loadWatermark(ctx context.Context, symbol string) (time.Time, error) {
	w, err := r.tracking.Get(ctx, r.stage, symbol)
	if errors.Is(err, tracking.ErrNotFound) {
		r.logger.Info("no tracking record, starting from epoch",
			"symbol", symbol, "epoch", r.epoch)
		return r.epoch, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return w.LastProcessed.UTC(), nil
}

// advanceMonth fetches and writes the full calendar month beginning at
// monthStart, then advances the watermark to the start of the next month.
// The whole month is always fetched, even when the watermark sits mid-month
// (left there by a regeneration cycle before the month rolled over), because
// in-progress months can be revised upstream; the resulting partition
// overwrite completes the month. A month with zero bars writes no file but
// still advances the watermark so the symbol does not get stuck on a gap.
func (r *Runner) advanceMonth(ctx context.Context, logger *slog.Logger, symbol string, monthStart time.Time) (int, error) {
	monthEnd := nextMonth(monthStart)

	logger.Info("advancing month",
		"year", monthStart.Year(),
		"month", int(monthStart.Month()))

	bars, err := r.fetcher.FetchRange(ctx, symbol, monthStart, monthEnd)
	if err != nil {
		return 0, fmt.Errorf("fetch %s %d-%02d: %w", symbol, monthStart.Year(), monthStart.Month(), err)
	}

	rows, err := r.writer.Write(ctx, symbol, monthStart.Year(), int(monthStart.Month()), bars)
	if err != nil {
		return 0, fmt.Errorf("write %s %d-%02d: %w", symbol, monthStart.Year(), monthStart.Month(), err)
	}

	err = r.tracking.Put(ctx, tracking.PutRequest{
		Stage:         r.stage,
		Symbol:        symbol,
		LastProcessed: monthEnd,
		RowCount:      int64(rows),
	})
	if err != nil {
		return 0, err
	}

	logger.Info("month complete",
		"year", monthStart.Year(),
		"month", int(monthStart.Month()),
		"rows", rows,
		"watermark", monthEnd)
	return rows, nil
}

// regenerateCurrentMonth deletes the current month's partition, re-fetches it
// from the start of the month through now, writes the replacement, and sets
// the watermark to now. The delete-first step guarantees the old partial file
// cannot linger if the new fetch yields fewer rows.
func (r *Runner) regenerateCurrentMonth(ctx context.Context, logger *slog.Logger, symbol string, monthStart, now time.Time) (int, error) {
	logger.Info("regenerating current month",
		"year", monthStart.Year(),
		"month", int(monthStart.Month()),
		"through", now)

	if err := r.writer.Delete(ctx, symbol, monthStart.Year(), int(monthStart.Month())); err != nil {
		return 0, fmt.Errorf("delete partition %s %d-%02d: %w", symbol, monthStart.Year(), monthStart.Month(), err)
	}

	bars, err := r.fetcher.FetchRange(ctx, symbol, monthStart, now)
	if err != nil {
		return 0, fmt.Errorf("fetch %s %d-%02d: %w", symbol, monthStart.Year(), monthStart.Month(), err)
	}

	rows, err := r.writer.Write(ctx, symbol, monthStart.Year(), int(monthStart.Month()), bars)
	if err != nil {
		return 0, fmt.Errorf("write %s %d-%02d: %w", symbol, monthStart.Year(), monthStart.Month(), err)
	}

	err = r.tracking.Put(ctx, tracking.PutRequest{
		Stage:         r.stage,
		Symbol:        symbol,
		LastProcessed: now,
		RowCount:      int64(rows),
		FullRefresh:   true,
	})
	if err != nil {
		return 0, err
	}

	logger.Info("regeneration complete", "rows", rows, "watermark", now)
	return rows, nil
}

// startOfMonth truncates t to the first instant of its UTC calendar month.
func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// nextMonth returns the first instant of the month after t's month.
func nextMonth(t time.Time) time.Time {
	return startOfMonth(t).AddDate(0, 1, 0)
}
