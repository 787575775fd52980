// Package binance provides the paginated kline client for the Binance spot
// REST API. It fetches minute bars for a half-open time window, paging with a
// close-time cursor, and includes client-side rate limiting.
//
// The client performs no internal retries: any non-success status or
// malformed payload surfaces as an UpstreamError, and recovery is the
// caller's responsibility (re-running a cycle from the last watermark is
// always safe).
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryptodatalake/kline-ingestor/internal/models"
)

const (
	// Binance spot API base URL.
	defaultBaseURL = "https://api.binance.com"

	klinesEndpoint = "/api/v3/klines"

	// Fixed page size; Binance caps kline requests at 1000 rows.
	pageLimit = 1000

	// All ingestion runs at minute resolution.
	klineInterval = "1m"

	// Rate limiting configuration. Binance allows 1200 request weight per
	// minute; 10 req/s keeps a comfortable margin for shared API keys.
	maxRequestsPerSecond = 10
	rateLimitBurst       = 1

	requestTimeout = 30 * time.Second
)

// UpstreamError reports a failed or malformed response from the market-data
// API. It aborts the current ingestion cycle; the watermark is left unmoved.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("binance API error: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("binance API error: %v", e.Err)
}

// Unwrap returns the underlying error, if any.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Client is a paginated kline fetcher for the Binance spot API.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// NewClient creates a kline client with default transport and rate limiting.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), rateLimitBurst),
		baseURL:     defaultBaseURL,
		logger:      slog.Default(),
	}
}

// NewClientWithLogger creates a kline client with a custom logger.
func NewClientWithLogger(logger *slog.Logger) *Client {
	c := NewClient()
	c.logger = logger
	return c
}

// NewClientWithConfig creates a kline client with a custom endpoint, request
// rate, timeout, and logger. Zero values fall back to the defaults.
func NewClientWithConfig(baseURL string, requestsPerSecond int, timeout time.Duration, logger *slog.Logger) *Client {
	c := NewClient()
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	if requestsPerSecond > 0 {
		c.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), rateLimitBurst)
	}
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	if logger != nil {
		c.logger = logger
	}
	return c
}

// FetchRange returns the ordered sequence of minute bars for symbol covering
// the half-open window [start, end). It pages the API with a fixed limit,
// advancing the cursor to the last bar's close time plus one millisecond, and
// stops on an empty page, a short page, or the cursor reaching the window end.
func (c *Client) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("invalid window: start %s is not before end %s", start, end)
	}

	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	c.logger.Debug("fetching klines",
		"symbol", symbol,
		"start", start.UTC(),
		"end", end.UTC())

	var bars []models.Bar
	for cursor < endMs {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}

		page, err := c.fetchPage(ctx, symbol, cursor, endMs-1)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		bars = append(bars, page...)
		cursor = page[len(page)-1].CloseTime.UnixMilli() + 1

		// A short page means the API has no further data inside the window.
		if len(page) < pageLimit {
			break
		}
	}

	c.logger.Debug("fetched klines", "symbol", symbol, "count", len(bars))
	return bars, nil
}

// fetchPage requests a single page of klines. endMs is inclusive upstream,
// which is why FetchRange passes end-1 for its half-open window.
func (c *Client) fetchPage(ctx context.Context, symbol string, startMs, endMs int64) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", klineInterval)
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(pageLimit))

	requestURL := c.baseURL + klinesEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("failed to parse klines response: %w", err)}
	}

	bars := make([]models.Bar, 0, len(rows))
	for i, row := range rows {
		bar, err := parseKlineRow(row)
		if err != nil {
			return nil, &UpstreamError{Err: fmt.Errorf("malformed kline at index %d: %w", i, err)}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKlineRow converts one Binance kline array into a Bar. The wire format
// is a fixed-arity array:
//
//	[openTime, open, high, low, close, volume, closeTime,
//	 quoteAssetVolume, numberOfTrades, takerBuyBase, takerBuyQuote, ignore]
func parseKlineRow(row []json.RawMessage) (models.Bar, error) {
	const minFields = 11
	if len(row) < minFields {
		return models.Bar{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(row))
	}

	openMs, err := parseMillis(row[0])
	if err != nil {
		return models.Bar{}, fmt.Errorf("open_time: %w", err)
	}
	closeMs, err := parseMillis(row[6])
	if err != nil {
		return models.Bar{}, fmt.Errorf("close_time: %w", err)
	}

	var tradeCount int64
	if err := json.Unmarshal(row[8], &tradeCount); err != nil {
		return models.Bar{}, fmt.Errorf("number_of_trades: %w", err)
	}

	bar := models.Bar{
		OpenTime:   time.UnixMilli(openMs).UTC(),
		CloseTime:  time.UnixMilli(closeMs).UTC(),
		TradeCount: tradeCount,
	}

	for _, field := range []struct {
		idx  int
		name string
		dst  *string
	}{
		{1, "open", &bar.Open},
		{2, "high", &bar.High},
		{3, "low", &bar.Low},
		{4, "close", &bar.Close},
		{5, "volume", &bar.Volume},
		{7, "quote_asset_volume", &bar.QuoteVolume},
		{9, "taker_buy_base_asset_volume", &bar.TakerBuyBase},
		{10, "taker_buy_quote_asset_volume", &bar.TakerBuyQuote},
	} {
		if err := json.Unmarshal(row[field.idx], field.dst); err != nil {
			return models.Bar{}, fmt.Errorf("%s: %w", field.name, err)
		}
	}

	return bar, nil
}

func parseMillis(raw json.RawMessage) (int64, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("timestamp must be positive, got %d", ms)
	}
	return ms, nil
}
