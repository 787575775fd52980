package tracking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/cryptodatalake/kline-ingestor/internal/models"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tracking (
	stage          TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	last_processed TEXT    NOT NULL,
	row_count      INTEGER NOT NULL,
	full_refresh   INTEGER NOT NULL,
	last_updated   TEXT    NOT NULL,
	PRIMARY KEY (stage, symbol)
);`

// SQLiteStore implements Store backed by a SQLite database. Timestamps are
// stored as RFC 3339 UTC strings so records stay readable with any SQLite
// tooling.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the tracking database at dbPath and
// ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &StoreError{Operation: "open", Err: err}
	}
	// The tracking workload is tiny single-row upserts; one connection
	// avoids SQLITE_BUSY under concurrent per-symbol instances.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StoreError{Operation: "migrate", Err: err}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get returns the watermark for (stage, symbol), or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, stage models.Stage, symbol string) (*models.Watermark, error) {
	const q = `
SELECT last_processed, row_count, full_refresh, last_updated
FROM tracking WHERE stage = ? AND symbol = ?`

	var (
		lastProcessed string
		rowCount      int64
		fullRefresh   int
		lastUpdated   string
	)
	err := s.db.QueryRowContext(ctx, q, string(stage), symbol).
		Scan(&lastProcessed, &rowCount, &fullRefresh, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Operation: "get", Stage: stage, Symbol: symbol, Err: err}
	}

	w := &models.Watermark{
		Stage:       stage,
		Symbol:      symbol,
		RowCount:    rowCount,
		FullRefresh: fullRefresh != 0,
	}
	if w.LastProcessed, err = parseStoredTime(lastProcessed); err != nil {
		return nil, &StoreError{Operation: "get", Stage: stage, Symbol: symbol, Err: err}
	}
	if w.LastUpdated, err = parseStoredTime(lastUpdated); err != nil {
		return nil, &StoreError{Operation: "get", Stage: stage, Symbol: symbol, Err: err}
	}
	return w, nil
}

// Put upserts the watermark for (stage, symbol), last write wins.
func (s *SQLiteStore) Put(ctx context.Context, req PutRequest) error {
	if err := req.Validate(); err != nil {
		return &StoreError{Operation: "put", Stage: req.Stage, Symbol: req.Symbol, Err: err}
	}

	const q = `
INSERT INTO tracking (stage, symbol, last_processed, row_count, full_refresh, last_updated)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (stage, symbol) DO UPDATE SET
	last_processed = excluded.last_processed,
	row_count      = excluded.row_count,
	full_refresh   = excluded.full_refresh,
	last_updated   = excluded.last_updated`

	fullRefresh := 0
	if req.FullRefresh {
		fullRefresh = 1
	}
	_, err := s.db.ExecContext(ctx, q,
		string(req.Stage),
		req.Symbol,
		formatStoredTime(req.LastProcessed),
		req.RowCount,
		fullRefresh,
		formatStoredTime(s.now()),
	)
	if err != nil {
		return &StoreError{Operation: "put", Stage: req.Stage, Symbol: req.Symbol, Err: err}
	}
	return nil
}

// Delete removes the watermark for (stage, symbol); absent keys are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, stage models.Stage, symbol string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tracking WHERE stage = ? AND symbol = ?`, string(stage), symbol)
	if err != nil {
		return &StoreError{Operation: "delete", Stage: stage, Symbol: symbol, Err: err}
	}
	return nil
}

// List returns all stored watermarks, ordered by stage then symbol.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Watermark, error) {
	const q = `
SELECT stage, symbol, last_processed, row_count, full_refresh, last_updated
FROM tracking ORDER BY stage, symbol`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &StoreError{Operation: "list", Err: err}
	}
	defer rows.Close()

	var watermarks []models.Watermark
	for rows.Next() {
		var (
			w             models.Watermark
			stage         string
			lastProcessed string
			fullRefresh   int
			lastUpdated   string
		)
		if err := rows.Scan(&stage, &w.Symbol, &lastProcessed, &w.RowCount, &fullRefresh, &lastUpdated); err != nil {
			return nil, &StoreError{Operation: "list", Err: err}
		}
		w.Stage = models.Stage(stage)
		w.FullRefresh = fullRefresh != 0
		if w.LastProcessed, err = parseStoredTime(lastProcessed); err != nil {
			return nil, &StoreError{Operation: "list", Err: err}
		}
		if w.LastUpdated, err = parseStoredTime(lastUpdated); err != nil {
			return nil, &StoreError{Operation: "list", Err: err}
		}
		watermarks = append(watermarks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Operation: "list", Err: err}
	}
	return watermarks, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatStoredTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
