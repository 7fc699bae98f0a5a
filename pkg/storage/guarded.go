package storage

import (
	"context"
	"errors"
	"fmt"

	"dbreader/pkg/models"
	"dbreader/pkg/resilience"
)

// GuardedStore routes reads through a circuit breaker. Once the breaker
// opens, reads fail fast with ErrQuery until it lets a probe through.
// Writes go straight to the underlying store.
type GuardedStore struct {
	RecordStore
	breaker *resilience.CircuitBreaker
}

func NewGuardedStore(store RecordStore, breaker *resilience.CircuitBreaker) *GuardedStore {
	return &GuardedStore{RecordStore: store, breaker: breaker}
}

func (g *GuardedStore) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Ping checks the underlying store directly. Health probes must not count
// against the breaker that gates processing.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if p, ok := g.RecordStore.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := g.RecordStore.CountPending(ctx)
	return err
}

func (g *GuardedStore) FindUnprocessed(ctx context.Context, limit int) ([]models.DataRecord, error) {
	var records []models.DataRecord
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		records, err = g.RecordStore.FindUnprocessed(ctx, limit)
		return err
	})
	if err != nil {
		return nil, asQueryErr(err)
	}
	return records, nil
}

func (g *GuardedStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.RecordStore.CountPending(ctx)
		return err
	})
	if err != nil {
		return 0, asQueryErr(err)
	}
	return n, nil
}

func asQueryErr(err error) error {
	if errors.Is(err, ErrQuery) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrQuery, err)
}
