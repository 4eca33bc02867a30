package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
)

// RedisSink stores entries in a Redis list. New entries are pushed to the
// head so LRANGE 0..n returns the newest first.
type RedisSink struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key, logger: slog.Default()}
}

// SetLogger replaces the default logger.
func (s *RedisSink) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// NewRedisSinkFromConfig dials Redis with cfg. A failed ping is logged, not
// returned, so the sink can recover once Redis comes back.
func NewRedisSinkFromConfig(cfg config.DeadLetterConfig, logger *slog.Logger) *RedisSink {
	s := NewRedisSink(nil, cfg.Key)
	s.SetLogger(logger)

	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("dead_letter_redis_unreachable",
			"addr", cfg.RedisAddr,
			"error", err,
		)
	}

	return s
}

func (s *RedisSink) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

func (s *RedisSink) List(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("dead_letter_decode_failed", "key", s.key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisSink) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// New picks the sink configured by cfg: Redis when an address is set,
// memory otherwise. logger may be nil.
func New(cfg config.DeadLetterConfig, logger *slog.Logger) Sink {
	if cfg.RedisAddr == "" {
		return NewMemorySink()
	}
	return NewRedisSinkFromConfig(cfg, logger)
}
