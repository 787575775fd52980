package models

import (
	"fmt"
	"strings"
	"time"
)

// Stage names an ingestion tier with its own independent watermark namespace.
type Stage string

const (
	// StageBronze is the raw kline ingestion tier.
	StageBronze Stage = "BRONZE"
	// StageSilver is the downstream curated tier. Its watermarks are written
	// by external pipelines through the tracking HTTP surface; the ingestor
	// never advances them itself.
	StageSilver Stage = "SILVER"
)

// ParseStage normalizes a stage string to its canonical uppercase form.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToUpper(s)) {
	case StageBronze:
		return StageBronze, nil
	case StageSilver:
		return StageSilver, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// DefaultEpoch is the watermark assigned to a symbol that has never been
// ingested: the earliest supported month. A symbol with no tracking record
// starts processing from January 2021.
var DefaultEpoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// Watermark records, per (stage, symbol), the instant through which data is
// known to be fully ingested. It never moves backward for a given key and is
// advanced only after the corresponding partition write succeeded.
type Watermark struct {
	Stage         Stage     `json:"stage"`
	Symbol        string    `json:"symbol"`
	LastProcessed time.Time `json:"last_processed_timestamp"`
	RowCount      int64     `json:"row_count"`
	FullRefresh   bool      `json:"full_refresh"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Validate checks that the watermark has a usable key and timestamp.
func (w *Watermark) Validate() error {
	if w.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if _, err := ParseStage(string(w.Stage)); err != nil {
		return &ValidationError{Field: "stage", Message: err.Error()}
	}
	if w.LastProcessed.IsZero() {
		return &ValidationError{Field: "last_processed_timestamp", Message: "timestamp cannot be zero"}
	}
	if w.RowCount < 0 {
		return &ValidationError{Field: "row_count", Message: "row count must be greater than or equal to 0"}
	}
	return nil
}
