package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tracker-svr/internal/pipeline"
)

// redisClient es el subconjunto de go-redis que usa la caché.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// LastPosition guarda la última posición válida de cada dispositivo.
type LastPosition struct {
	rdb    redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewLastPosition(ctx context.Context, addr string, db int, ttl time.Duration, logger zerolog.Logger) (*LastPosition, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger = logger.With().Str("component", "redis").Logger()
	logger.Info().Str("addr", addr).Int("db", db).Msg("connected")
	return &LastPosition{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func LastKey(deviceID string) string {
	return "dev:" + deviceID + ":last"
}

func (c *LastPosition) SaveLast(ctx context.Context, pos pipeline.Position) error {
	b, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, LastKey(pos.DeviceID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", LastKey(pos.DeviceID), err)
	}
	return nil
}

func (c *LastPosition) Close() error {
	return c.rdb.Close()
}
