package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dbreader/pkg/models"
)

const (
	StreamKeyProcessed = "dbreader:records:processed"
	// streamMaxLen caps the stream with approximate trimming.
	streamMaxLen = 100000
)

// RecordStream appends processed records to a Redis stream for downstream
// consumers. Delivery is at-least-once from the consumer's point of view.
type RecordStream struct {
	client *redis.Client
	stream string
}

// StreamConfig holds Redis connection configuration.
type StreamConfig struct {
	Addr         string
	Stream       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultStreamConfig(addr string) StreamConfig {
	return StreamConfig{
		Addr:         addr,
		Stream:       StreamKeyProcessed,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRecordStream connects with default config.
func NewRecordStream(addr string) (*RecordStream, error) {
	return NewRecordStreamWithConfig(DefaultStreamConfig(addr))
}

func NewRecordStreamWithConfig(cfg StreamConfig) (*RecordStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRecordStream(client, cfg.Stream), nil
}

func newRecordStream(client *redis.Client, stream string) *RecordStream {
	if stream == "" {
		stream = StreamKeyProcessed
	}
	return &RecordStream{client: client, stream: stream}
}

func (r *RecordStream) Close() error {
	return r.client.Close()
}

// PublishProcessed appends one entry per processed record.
func (r *RecordStream) PublishProcessed(ctx context.Context, record *models.DataRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// XADD dbreader:records:processed MAXLEN ~ 100000 * record_id {id} processed_by {id} payload {json}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"record_id":    strconv.FormatInt(record.ID, 10),
			"processed_by": deref(record.ProcessedBy),
			"payload":      payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish record %d: %w", record.ID, err)
	}
	return nil
}

// Read returns up to count entries after lastID ("0" for the start).
func (r *RecordStream) Read(ctx context.Context, lastID string, count int64) ([]ProcessedEntry, error) {
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, lastID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	out := make([]ProcessedEntry, 0, len(streams[0].Messages))
	for _, msg := range streams[0].Messages {
		payloadStr, ok := msg.Values["payload"].(string)
		if !ok {
			return out, fmt.Errorf("invalid payload format in entry %s", msg.ID)
		}
		var rec models.DataRecord
		if err := json.Unmarshal([]byte(payloadStr), &rec); err != nil {
			return out, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		out = append(out, ProcessedEntry{ID: msg.ID, Record: rec})
	}
	return out, nil
}

// ProcessedEntry is one stream entry.
type ProcessedEntry struct {
	ID     string
	Record models.DataRecord
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
