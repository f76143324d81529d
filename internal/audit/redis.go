package audit

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rvguard/rvguard/pkg/types"
)

const (
	defaultStream    = "rvguard:audit"
	defaultMaxLength = 100000
)

// RedisSink appends audit entries to a capped Redis stream, giving the
// forensics store a durable off-box copy without blocking the control plane.
type RedisSink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a stream-backed sink from config.
func NewRedisSink(cfg types.AuditSinkConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLength
	}
	return &RedisSink{
		client: goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		stream: stream,
		maxLen: maxLen,
	}
}

// NewRedisSinkFromClient wraps an existing client (useful for testing).
func NewRedisSinkFromClient(client *goredis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = defaultStream
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLength
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Name returns the sink identifier.
func (s *RedisSink) Name() string { return "redis" }

// Append XADDs the entry to the capped stream.
func (s *RedisSink) Append(ctx context.Context, entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":    string(entry.Kind),
			"feature": entry.Feature,
			"entry":   string(data),
		},
	}).Err()
}

// Flush is a no-op: XADD is durable on return.
func (s *RedisSink) Flush(_ context.Context) error { return nil }

// Close closes the underlying client.
func (s *RedisSink) Close() error { return s.client.Close() }
