package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures a RedisListSource.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Keys are the lists polled with BRPOP. The list name is used as the source.
	Keys []string `yaml:"keys"`
	// PollTimeout is how long one BRPOP blocks before the loop checks for shutdown.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RetryDelay is the pause after a Redis error or a refused reading.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type listPopper interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisListSource pops readings pushed onto Redis lists by local producers.
// A reading refused with back-pressure is pushed back onto the tail of its
// list, so it is the next one popped.
type RedisListSource struct {
	cfg    RedisConfig
	client listPopper
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisListSource connects to Redis and checks the connection with a PING.
func NewRedisListSource(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisListSource, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("redis intake needs at least one list key")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Strs("keys", cfg.Keys).Msg("Successfully connected to Redis.")
	return newRedisListSource(cfg, rdb, logger), nil
}

func newRedisListSource(cfg RedisConfig, client listPopper, logger zerolog.Logger) *RedisListSource {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &RedisListSource{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "RedisListSource").Logger(),
	}
}

func (s *RedisListSource) Name() string { return "redis" }

func (s *RedisListSource) Start(ctx context.Context, ingest IngestFunc) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(loopCtx, ingest)
	}()
	return nil
}

func (s *RedisListSource) poll(ctx context.Context, ingest IngestFunc) {
	for ctx.Err() == nil {
		if !guard(s.logger, "redis-poll", func() { s.pollOnce(ctx, ingest) }) {
			s.pause(ctx)
		}
	}
}

func (s *RedisListSource) pollOnce(ctx context.Context, ingest IngestFunc) {
	res, err := s.client.BRPop(ctx, s.cfg.PollTimeout, s.cfg.Keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("Redis BRPOP failed.")
		s.pause(ctx)
		return
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return
	}
	key, value := res[0], res[1]

	err = ingest(key, []byte(value), map[string]string{"transport": "redis"})
	switch {
	case err == nil:
	case isBackPressure(err):
		// Put it back where BRPOP will find it first.
		if pushErr := s.client.RPush(context.WithoutCancel(ctx), key, value).Err(); pushErr != nil {
			s.logger.Error().Err(pushErr).Str("key", key).Msg("Failed to requeue refused reading, it is lost.")
		}
		s.pause(ctx)
	default:
		s.logger.Warn().Err(err).Str("key", key).Msg("Reading from Redis rejected.")
	}
}

func (s *RedisListSource) pause(ctx context.Context) {
	t := time.NewTimer(s.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *RedisListSource) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("redis intake did not stop: %w", ctx.Err())
	}
	s.logger.Info().Msg("Redis intake stopped.")
	return s.client.Close()
}
