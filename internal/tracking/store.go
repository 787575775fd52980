// Package tracking persists ingestion watermarks. Each record is keyed by
// (stage, symbol) and holds the timestamp through which data is known to be
// fully ingested, the row count of the last write, and a last-updated
// timestamp. Put is a last-write-wins upsert; no optimistic concurrency is
// needed because at most one instance per symbol mutates a given key.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptodatalake/kline-ingestor/internal/models"
)

// ErrNotFound is returned by Get when no watermark exists for the key. The
// caller interprets it as "never ingested" and falls back to the default
// epoch; it is not a failure.
var ErrNotFound = errors.New("tracking: watermark not found")

// StoreError reports a failed tracking store operation.
type StoreError struct {
	Operation string
	Stage     models.Stage
	Symbol    string
	Err       error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	return fmt.Sprintf("tracking operation %s for %s/%s failed: %v", e.Operation, e.Stage, e.Symbol, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StoreError) Unwrap() error { return e.Err }

// PutRequest carries the fields of a watermark upsert.
type PutRequest struct {
	Stage         models.Stage
	Symbol        string
	LastProcessed time.Time
	RowCount      int64
	FullRefresh   bool
}

// Validate checks that the request has a usable key and timestamp.
func (r *PutRequest) Validate() error {
	w := models.Watermark{
		Stage:         r.Stage,
		Symbol:        r.Symbol,
		LastProcessed: r.LastProcessed,
		RowCount:      r.RowCount,
	}
	return w.Validate()
}

// Store persists and retrieves watermarks per (stage, symbol).
type Store interface {
	// Get returns the watermark for (stage, symbol), or ErrNotFound.
	Get(ctx context.Context, stage models.Stage, symbol string) (*models.Watermark, error)

	// Put upserts the watermark for (stage, symbol), last write wins.
	Put(ctx context.Context, req PutRequest) error

	// Delete removes the watermark for (stage, symbol). Deleting an absent
	// key is not an error. Used by the admin surface to reset a symbol.
	Delete(ctx context.Context, stage models.Stage, symbol string) error

	// List returns all stored watermarks, ordered by stage then symbol.
	List(ctx context.Context) ([]models.Watermark, error)

	// Close releases the store's resources.
	Close() error
}
