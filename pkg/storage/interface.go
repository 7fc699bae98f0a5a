package storage

import (
	"context"
	"errors"

	"dbreader/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrQuery marks a failed read; the caller must not act on partial results.
	ErrQuery = errors.New("record query failed")
	// ErrPersist marks a failed write of a single record.
	ErrPersist = errors.New("record persist failed")
)

// RecordStore defines the data access layer for data records.
type RecordStore interface {
	// FindUnprocessed returns pending records in store order (oldest first).
	// A limit <= 0 returns all of them.
	FindUnprocessed(ctx context.Context, limit int) ([]models.DataRecord, error)

	// Save persists the record's current processed state.
	Save(ctx context.Context, record *models.DataRecord) error

	// Create inserts a new pending record and assigns its ID.
	Create(ctx context.Context, record *models.DataRecord) error

	// CountPending returns the number of unprocessed records.
	CountPending(ctx context.Context) (int64, error)
}

// Pinger is implemented by stores that can report reachability without
// running a query.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Publisher notifies downstream consumers about processed records.
type Publisher interface {
	PublishProcessed(ctx context.Context, record *models.DataRecord) error
}
