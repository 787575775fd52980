package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cryptodatalake/kline-ingestor/internal/models"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

type watermarkKey struct {
	stage  models.Stage
	symbol string
}

// MemoryStore is a thread-safe in-memory Store used in tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	watermarks map[watermarkKey]models.Watermark
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory tracking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watermarks: make(map[watermarkKey]models.Watermark),
		now:        time.Now,
	}
}

// Get returns the watermark for (stage, symbol), or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, stage models.Stage, symbol string) (*models.Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Operation: "get", Stage: stage, Symbol: symbol, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.watermarks[watermarkKey{stage, symbol}]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

// Put upserts the watermark for (stage, symbol), last write wins.
func (s *MemoryStore) Put(ctx context.Context, req PutRequest) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Operation: "put", Stage: req.Stage, Symbol: req.Symbol, Err: err}
	}
	if err := req.Validate(); err != nil {
		return &StoreError{Operation: "put", Stage: req.Stage, Symbol: req.Symbol, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[watermarkKey{req.Stage, req.Symbol}] = models.Watermark{
		Stage:         req.Stage,
		Symbol:        req.Symbol,
		LastProcessed: req.LastProcessed.UTC(),
		RowCount:      req.RowCount,
		FullRefresh:   req.FullRefresh,
		LastUpdated:   s.now().UTC(),
	}
	return nil
}

// Delete removes the watermark for (stage, symbol); absent keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, stage models.Stage, symbol string) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Operation: "delete", Stage: stage, Symbol: symbol, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watermarks, watermarkKey{stage, symbol})
	return nil
}

// List returns all stored watermarks, ordered by stage then symbol.
func (s *MemoryStore) List(ctx context.Context) ([]models.Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Operation: "list", Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Watermark, 0, len(s.watermarks))
	for _, w := range s.watermarks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
