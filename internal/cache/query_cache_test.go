package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type groupRow struct {
	City string   `json:"city"`
	Mean *float64 `json:"mean"`
}

func newCache(t *testing.T, ttl time.Duration) (*QueryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueryCache(client, ttl), mr
}

func TestQueryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)

	var got []groupRow
	hit, err := c.Get(ctx, "groups:v1", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	mean := 12.5
	want := []groupRow{{City: "Delhi", Mean: &mean}, {City: "Paris", Mean: nil}}
	require.NoError(t, c.Set(ctx, "groups:v1", want))

	hit, err = c.Get(ctx, "groups:v1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)

	assert.True(t, mr.Exists(keyPrefix+"groups:v1"))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"groups:v1"))
}

func TestQueryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Second)

	require.NoError(t, c.Set(ctx, "k", []int{1}))
	mr.FastForward(2 * time.Second)

	var got []int
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestQueryCache_CorruptValue(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)

	require.NoError(t, mr.Set(keyPrefix+"bad", "{not json"))

	var got []int
	hit, err := c.Get(ctx, "bad", &got)
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := Connect(context.Background(), addr, "", 0)
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = Connect(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
