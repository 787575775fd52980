package blob

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cryptodatalake/kline-ingestor/internal/models"
)

// header is the canonical partition column order. Downstream consumers rely
// on this exact ordering; do not reorder.
var header = []string{
	"trading_pair",
	"open_time",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
	"volume",
	"close_time",
	"quote_asset_volume",
	"number_of_trades",
	"taker_buy_base_asset_volume",
	"taker_buy_quote_asset_volume",
}

// PartitionWriter serializes monthly bar sets to CSV and stores them at
// deterministic keys with full overwrite semantics. A partition is a complete
// snapshot of one (symbol, year, month); it is never appended to.
type PartitionWriter struct {
	store  ObjectStore
	logger *slog.Logger
}

// NewPartitionWriter creates a partition writer on top of the given store.
func NewPartitionWriter(store ObjectStore, logger *slog.Logger) *PartitionWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionWriter{store: store, logger: logger}
}

// PartitionKey returns the deterministic storage key for one calendar-month
// partition: {symbol}/{year}/{month:02d}.csv.
func PartitionKey(symbol string, year, month int) string {
	return fmt.Sprintf("%s/%d/%02d.csv", symbol, year, month)
}

// Write serializes bars for (symbol, year, month) and overwrites the
// partition, returning the row count. An empty bars sequence is a no-op that
// reports zero and performs no storage call: a historical month with no data
// must not clobber an existing partition with an empty file.
func (w *PartitionWriter) Write(ctx context.Context, symbol string, year, month int, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		w.logger.Debug("no bars to write, skipping partition upload",
			"symbol", symbol, "year", year, "month", month)
		return 0, nil
	}

	key := PartitionKey(symbol, year, month)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return 0, NewStorageError("encode", key, err)
	}
	for _, bar := range bars {
		record := []string{
			symbol,
			strconv.FormatInt(bar.OpenTime.UnixMilli(), 10),
			bar.Open,
			bar.High,
			bar.Low,
			bar.Close,
			bar.Volume,
			strconv.FormatInt(bar.CloseTime.UnixMilli(), 10),
			bar.QuoteVolume,
			strconv.FormatInt(bar.TradeCount, 10),
			bar.TakerBuyBase,
			bar.TakerBuyQuote,
		}
		if err := cw.Write(record); err != nil {
			return 0, NewStorageError("encode", key, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, NewStorageError("encode", key, err)
	}

	if err := w.store.Upload(ctx, key, buf.Bytes()); err != nil {
		return 0, err
	}

	w.logger.Info("wrote partition",
		"symbol", symbol,
		"year", year,
		"month", month,
		"rows", len(bars),
		"bytes", buf.Len())
	return len(bars), nil
}

// Delete removes the partition for (symbol, year, month). Regeneration calls
// this before re-fetching so an old partial-month file cannot linger if the
// new fetch yields fewer rows. Deleting an absent partition succeeds.
func (w *PartitionWriter) Delete(ctx context.Context, symbol string, year, month int) error {
	key := PartitionKey(symbol, year, month)
	if err := w.store.Delete(ctx, key); err != nil {
		return err
	}
	w.logger.Debug("deleted partition", "symbol", symbol, "year", year, "month", month)
	return nil
}
