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

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "", time.Hour), mr
}

func TestRedis_GetMiss(t *testing.T) {
	r, _ := newTestRedis(t)

	data, found, err := r.GetStep(context.Background(), "inst-1", "research-profile")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestRedis_PutThenGet(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.PutStep(ctx, "inst-1", "research-profile", []byte(`{"business_type":"bakery"}`)))

	data, found, err := r.GetStep(ctx, "inst-1", "research-profile")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"business_type":"bakery"}`, string(data))

	assert.True(t, mr.Exists("sitegen:step:inst-1/research-profile"))
	assert.Equal(t, time.Hour, mr.TTL("sitegen:step:inst-1/research-profile"))
}

func TestRedis_FirstWriteWins(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.PutStep(ctx, "inst-1", "generate-html", []byte(`"first"`)))
	require.NoError(t, r.PutStep(ctx, "inst-1", "generate-html", []byte(`"second"`)))

	data, _, err := r.GetStep(ctx, "inst-1", "generate-html")
	require.NoError(t, err)
	assert.Equal(t, `"first"`, string(data))
}

func TestRedis_Expires(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.PutStep(ctx, "inst-1", "score-quality", []byte(`{}`)))
	mr.FastForward(2 * time.Hour)

	_, found, err := r.GetStep(ctx, "inst-1", "score-quality")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedis_ServerDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, _, err := r.GetStep(context.Background(), "inst-1", "research-brand")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: redis get inst-1/research-brand")
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := DialRedis(context.Background(), mr.Addr(), "", 0, "custom:", 0)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	require.NoError(t, r.PutStep(context.Background(), "i", "s", []byte("x")))
	assert.True(t, mr.Exists("custom:i/s"))
	assert.Equal(t, DefaultRedisTTL, mr.TTL("custom:i/s"))
}

func TestDialRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := DialRedis(context.Background(), addr, "", 0, "", 0)
	require.Error(t, err)
}
