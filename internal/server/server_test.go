package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodatalake/kline-ingestor/internal/fleet"
	"github.com/cryptodatalake/kline-ingestor/internal/ingest"
	"github.com/cryptodatalake/kline-ingestor/internal/models"
	"github.com/cryptodatalake/kline-ingestor/internal/tracking"
)

// blockingFetcher blocks fetches until released so tests can hold an
// instance in the running state.
type blockingFetcher struct {
	block   bool
	release chan struct{}
}

func (f *blockingFetcher) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

type stubWriter struct{}

func (stubWriter) Write(ctx context.Context, symbol string, year, month int, bars []models.Bar) (int, error) {
	return len(bars), nil
}

func (stubWriter) Delete(ctx context.Context, symbol string, year, month int) error {
	return nil
}

type fixture struct {
	router   *gin.Engine
	store    tracking.Store
	fetcher  *blockingFetcher
	registry *ingest.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fetcher := &blockingFetcher{release: make(chan struct{})}
	store := tracking.NewMemoryStore()
	runner := ingest.NewRunner(fetcher, stubWriter{}, store, nil)
	registry := ingest.NewRegistry(runner, nil)
	controller := fleet.NewController(fleet.NoopPool{}, registry,
		fleet.ControllerConfig{PollInterval: time.Millisecond, PollAttempts: 2}, nil)

	srv := New(registry, controller, store, []string{"BTCUSDT", "ETHUSDT"}, nil)
	return &fixture{
		router:   srv.Router(),
		store:    store,
		fetcher:  fetcher,
		registry: registry,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) waitFor(t *testing.T, instanceID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.registry.Wait(ctx, instanceID)
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartIncremental(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/start-incremental", gin.H{"symbol": "BTCUSDT"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var inst ingest.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "incremental-BTCUSDT", inst.ID)
	f.waitFor(t, inst.ID)
}

func TestStartIncrementalConflict(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = true

	rec := f.do(t, http.MethodPost, "/start-incremental", gin.H{"symbol": "BTCUSDT"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/start-incremental", gin.H{"symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "incremental-BTCUSDT")

	close(f.fetcher.release)
	f.waitFor(t, "incremental-BTCUSDT")
}

func TestStartIncrementalMissingSymbol(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/start-incremental", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/instances/incremental-BTCUSDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/start-incremental", gin.H{"symbol": "BTCUSDT"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitFor(t, "incremental-BTCUSDT")

	rec = f.do(t, http.MethodGet, "/instances/incremental-BTCUSDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inst ingest.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, ingest.StatusCompleted, inst.Status)

	rec = f.do(t, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "incremental-BTCUSDT")
}

func TestTerminateInstance(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = true

	rec := f.do(t, http.MethodPost, "/start-incremental", gin.H{"symbol": "BTCUSDT"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/instances/incremental-BTCUSDT/terminate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	f.waitFor(t, "incremental-BTCUSDT")

	rec = f.do(t, http.MethodGet, "/instances/incremental-BTCUSDT", nil)
	var inst ingest.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, ingest.StatusTerminated, inst.Status)

	rec = f.do(t, http.MethodPost, "/instances/incremental-NOPE/terminate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackingEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/tracking/bronze/BTCUSDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/tracking", gin.H{
		"symbol":         "BTCUSDT",
		"stage":          "BRONZE",
		"last_processed": "2021-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Stage names are case-insensitive in the path.
	rec = f.do(t, http.MethodGet, "/tracking/bronze/BTCUSDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var w models.Watermark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, models.StageBronze, w.Stage)
	assert.True(t, w.LastProcessed.Equal(time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)))

	rec = f.do(t, http.MethodGet, "/tracking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCUSDT")

	rec = f.do(t, http.MethodDelete, "/tracking/BRONZE/BTCUSDT", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/tracking/BRONZE/BTCUSDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackingRejectsUnknownStage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/tracking/gold/BTCUSDT", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/tracking", gin.H{
		"symbol":         "BTCUSDT",
		"stage":          "gold",
		"last_processed": "2021-02-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartFleet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/start-fleet", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCUSDT")

	// The fleet run is asynchronous; poll its status until it settles.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = f.do(t, http.MethodGet, "/fleet", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status struct {
			Running bool               `json:"running"`
			LastRun *fleet.FleetResult `json:"last_run"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		if !status.Running && status.LastRun != nil {
			assert.Len(t, status.LastRun.Succeeded, 2)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fleet run did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartFleetConflict(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = true

	rec := f.do(t, http.MethodPost, "/start-fleet", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/start-fleet", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(f.fetcher.release)
}
