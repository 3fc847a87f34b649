package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "short")
	assert.False(t, ok)
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "rail:"), mr
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("rail:k"))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, mr.Exists("rail:k"))
}

func TestLedger_CacheFailureFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.True(t, env.pipeline.Process(ctx, testUpdate("evt-1")).Success)

	c, mr := newRedisCache(t)
	mr.Close()
	ledger := NewLedger(c, time.Minute, nil)

	processed, err := ledger.IsProcessed(ctx, env.db, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
	processed, err = ledger.IsProcessed(ctx, env.db, "evt-unknown")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPipeline_WithRedisCache(t *testing.T) {
	db := newTestDB(t)
	c, mr := newRedisCache(t)
	ledger := NewLedger(c, time.Minute, nil)
	trains := NewTrainService(db, c, time.Minute, nil)
	p := NewPipeline(db, ledger, trains, nil)
	ctx := context.Background()

	_, err := trains.Stats(ctx, "7478 035 6980")
	require.Error(t, err)

	require.True(t, p.Process(ctx, testUpdate("evt-1")).Success)
	assert.True(t, mr.Exists("rail:"+LedgerKey("evt-1")))

	_, err = trains.Stats(ctx, "7478 035 6980")
	require.NoError(t, err)
	assert.True(t, mr.Exists("rail:"+StatsKey("7478 035 6980")))

	u := testUpdate("evt-2")
	u.WagonNumber = "99999999"
	require.True(t, p.Process(ctx, u).Success)
	assert.False(t, mr.Exists("rail:"+StatsKey("7478 035 6980")))
}
