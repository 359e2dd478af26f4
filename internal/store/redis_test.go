package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-svr/internal/pipeline"
)

type fakeRedis struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = value.([]byte)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestLastPosition_Save(t *testing.T) {
	rdb := newFakeRedis()
	c := &LastPosition{rdb: rdb, ttl: 24 * time.Hour, logger: zerolog.Nop()}

	pos := samplePosition()
	require.NoError(t, c.SaveLast(context.Background(), pos))
	assert.Equal(t, 24*time.Hour, rdb.ttls["dev:D1:last"])

	var got pipeline.Position
	require.NoError(t, json.Unmarshal(rdb.data["dev:D1:last"], &got))
	assert.Equal(t, pos.DeviceID, got.DeviceID)
	assert.Equal(t, pos.Lat, got.Lat)
	assert.Equal(t, pos.FixTimestamp, got.FixTimestamp)
}

func TestLastPosition_SetError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.setErr = errors.New("connection refused")
	c := &LastPosition{rdb: rdb, logger: zerolog.Nop()}

	err := c.SaveLast(context.Background(), samplePosition())
	assert.ErrorIs(t, err, rdb.setErr)
}
