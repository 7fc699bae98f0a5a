package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dbreader/pkg/models"
	"dbreader/pkg/storage"
)

type RecordStoreSuite struct {
	suite.Suite
	store *PostgresStore
}

func (s *RecordStoreSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "dbreader"),
		getEnv("TEST_DB_PASS", "password"),
		getEnv("TEST_DB_NAME", "dbreader_test"),
	)
	store, err := NewPostgresStore(connStr)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.store = store
}

func (s *RecordStoreSuite) SetupTest() {
	s.Require().NoError(s.store.db.Exec("TRUNCATE data_records RESTART IDENTITY").Error)
}

func (s *RecordStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *RecordStoreSuite) TestFindUnprocessedOrderAndLimit() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Create(ctx, &models.DataRecord{Message: fmt.Sprintf("msg-%d", i)}))
	}

	all, err := s.store.FindUnprocessed(ctx, 0)
	s.Require().NoError(err)
	s.Len(all, 5)
	s.Equal("msg-0", all[0].Message)

	some, err := s.store.FindUnprocessed(ctx, 2)
	s.Require().NoError(err)
	s.Len(some, 2)
}

func (s *RecordStoreSuite) TestSaveMarksProcessed() {
	ctx := context.Background()
	rec := &models.DataRecord{Message: "hello"}
	s.Require().NoError(s.store.Create(ctx, rec))

	rec.MarkProcessed("node-a", time.Now())
	s.Require().NoError(s.store.Save(ctx, rec))

	got, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.True(got.Processed())
	s.Equal("node-a", *got.ProcessedBy)

	pending, err := s.store.CountPending(ctx)
	s.Require().NoError(err)
	s.Zero(pending)
}

func (s *RecordStoreSuite) TestSaveMissingRecord() {
	rec := &models.DataRecord{ID: 9999}
	rec.MarkProcessed("node-a", time.Now())
	err := s.store.Save(context.Background(), rec)
	s.ErrorIs(err, storage.ErrPersist)
	s.ErrorIs(err, storage.ErrNotFound)
}

func TestRecordStoreSuite(t *testing.T) {
	suite.Run(t, new(RecordStoreSuite))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *RecordStoreSuite) TestPing() {
	var _ storage.Pinger = s.store
	s.NoError(s.store.Ping(context.Background()))
}
