package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbreader/pkg/models"
)

func liveStream(t *testing.T) *RecordStream {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cfg := DefaultStreamConfig(addr)
	cfg.Stream = fmt.Sprintf("dbreader:test:%d", time.Now().UnixNano())
	s, err := NewRecordStreamWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.client.Del(context.Background(), cfg.Stream)
		s.Close()
	})
	return s
}

func TestRecordStream_PublishAndRead(t *testing.T) {
	s := liveStream(t)
	ctx := context.Background()

	rec := &models.DataRecord{ID: 7, Message: "hello", CreatedAt: time.Now().UTC()}
	rec.MarkProcessed("node-a", time.Now())
	require.NoError(t, s.PublishProcessed(ctx, rec))

	entries, err := s.Read(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].Record.ID)
	assert.Equal(t, "node-a", *entries[0].Record.ProcessedBy)
}

func TestDeref(t *testing.T) {
	v := "x"
	assert.Equal(t, "x", deref(&v))
	assert.Equal(t, "", deref(nil))
}
