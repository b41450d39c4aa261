package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps values in a map; TTLs are recorded but not enforced.
type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	sets   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.sets++
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error { return nil }

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCache_SetGetDel(t *testing.T) {
	rdb := newFakeRedis()
	c := New(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", payload{Name: "a", Count: 2}, 0))
	assert.Equal(t, time.Minute, rdb.ttls["k"], "default TTL applies")

	var out payload
	require.NoError(t, c.Get(ctx, "k", &out))
	assert.Equal(t, payload{Name: "a", Count: 2}, out)

	require.NoError(t, c.Del(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrMiss)
}

func TestCache_CorruptEntryIsAMiss(t *testing.T) {
	rdb := newFakeRedis()
	c := New(rdb, time.Minute)
	ctx := context.Background()

	rdb.values["bad"] = "{not-json"
	var out payload
	assert.ErrorIs(t, c.Get(ctx, "bad", &out), ErrMiss)
	_, still := rdb.values["bad"]
	assert.False(t, still, "corrupt entry evicted")
}

func TestCache_WrapLoadsOnceThenServesFromCache(t *testing.T) {
	rdb := newFakeRedis()
	c := New(rdb, time.Minute)
	ctx := context.Background()

	loads := 0
	load := func(ctx context.Context) (any, error) {
		loads++
		return payload{Name: "loaded", Count: loads}, nil
	}

	var out payload
	require.NoError(t, c.Wrap(ctx, "w", 30*time.Second, &out, load))
	assert.Equal(t, 1, loads)
	assert.Equal(t, "loaded", out.Name)

	var again payload
	require.NoError(t, c.Wrap(ctx, "w", 30*time.Second, &again, load))
	assert.Equal(t, 1, loads, "second read served from cache")
	assert.Equal(t, out, again)
	assert.Equal(t, 30*time.Second, rdb.ttls["w"])
}

func TestDeviceKey(t *testing.T) {
	assert.Equal(t, "roster:contacts:dev-1", DeviceKey("roster:contacts", "dev-1"))
}
