// Package memory is an in-process RecordStore for development runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dbreader/pkg/models"
	"dbreader/pkg/storage"
)

type RecordStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]models.DataRecord

	// Fault injection for tests.
	QueryErr   error
	PersistErr func(id int64) error
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[int64]models.DataRecord)}
}

func (s *RecordStore) FindUnprocessed(ctx context.Context, limit int) ([]models.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrQuery, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrQuery, s.QueryErr)
	}

	out := make([]models.DataRecord, 0)
	for _, r := range s.records {
		if !r.Processed() {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RecordStore) Save(ctx context.Context, record *models.DataRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: record %d: %w", storage.ErrPersist, record.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistErr != nil {
		if err := s.PersistErr(record.ID); err != nil {
			return fmt.Errorf("%w: record %d: %w", storage.ErrPersist, record.ID, err)
		}
	}
	cur, ok := s.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: record %d: %w", storage.ErrPersist, record.ID, storage.ErrNotFound)
	}
	cur.ProcessedAt = record.ProcessedAt
	cur.ProcessedBy = record.ProcessedBy
	s.records[record.ID] = clone(cur)
	return nil
}

func (s *RecordStore) Create(ctx context.Context, record *models.DataRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrPersist, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.ID = s.nextID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.ID] = clone(*record)
	return nil
}

func (s *RecordStore) CountPending(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrQuery, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrQuery, s.QueryErr)
	}
	var n int64
	for _, r := range s.records {
		if !r.Processed() {
			n++
		}
	}
	return n, nil
}

// Ping fails with QueryErr while one is injected.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryErr
}

// Get returns a copy of the stored record.
func (s *RecordStore) Get(id int64) (models.DataRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return clone(r), ok
}

// SetQueryErr makes subsequent reads fail with err until cleared with nil.
func (s *RecordStore) SetQueryErr(err error) {
	s.mu.Lock()
	s.QueryErr = err
	s.mu.Unlock()
}

func clone(r models.DataRecord) models.DataRecord {
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		r.ProcessedAt = &at
	}
	if r.ProcessedBy != nil {
		by := *r.ProcessedBy
		r.ProcessedBy = &by
	}
	return r
}
