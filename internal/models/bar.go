// Package models provides the core data structures for incremental kline
// ingestion: minute bars, watermarks, and the stage namespace that keys
// tracking records.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one fixed-width time bucket of trading activity for a symbol.
// The interval is half-open: [OpenTime, CloseTime). Price and volume fields
// are kept as decimal strings exactly as the upstream API returns them, so a
// written partition is byte-stable across runs.
type Bar struct {
	OpenTime      time.Time `json:"open_time"`
	CloseTime     time.Time `json:"close_time"`
	Open          string    `json:"open"`
	High          string    `json:"high"`
	Low           string    `json:"low"`
	Close         string    `json:"close"`
	Volume        string    `json:"volume"`
	QuoteVolume   string    `json:"quote_asset_volume"`
	TradeCount    int64     `json:"number_of_trades"`
	TakerBuyBase  string    `json:"taker_buy_base_asset_volume"`
	TakerBuyQuote string    `json:"taker_buy_quote_asset_volume"`
}

// ValidationError reports a bar field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the bar is internally consistent: timestamps form a
// non-empty half-open interval, all prices are positive decimals, volumes are
// non-negative, and the OHLC relationships hold
// (high >= max(open, close), low <= min(open, close)).
func (b *Bar) Validate() error {
	if b.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if !b.CloseTime.After(b.OpenTime) {
		return &ValidationError{Field: "close_time", Message: "close time must be after open time"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(b.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	for field, price := range map[string]decimal.Decimal{
		"open": open, "high": high, "low": low, "close": closePrice,
	} {
		if price.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: field, Message: field + " price must be greater than 0"}
		}
	}
	if volume.LessThan(decimal.Zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.TradeCount < 0 {
		return &ValidationError{Field: "number_of_trades", Message: "trade count must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}
	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// String implements fmt.Stringer.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{Open: %s, O: %s, H: %s, L: %s, C: %s, V: %s, Trades: %d}",
		b.OpenTime.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount)
}
