package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRedisStore connects to ATENDE_TEST_REDIS_ADDR under a unique key
// prefix, or skips when the variable is unset.
func testRedisStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	addr := os.Getenv("ATENDE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATENDE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "atende-test-" + uuid.NewString()
	opts = append([]Option{WithRedisClient(client), WithRedisPrefix(prefix), WithClock(fixedClock())}, opts...)
	st, err := NewStore(TypeRedis, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		st.Close()
	})
	return st
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := testRedisStore(t)
	key := Key{TenantID: "acme", ConversationKey: "5511999990000"}

	fresh, err := st.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.Version)

	s := sampleSession(key)
	require.NoError(t, st.Save(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	got, err := st.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version)
	assert.Equal(t, s.Phase, got.Phase)
	assert.Len(t, got.History, 2)
	assert.Equal(t, "Maria", got.Facts["name"].Value)
	assert.True(t, got.HasFlag("greeted"))
	assert.Equal(t, []string{"Olá, Maria!", "Qual é o seu negócio?"}, got.History[1].Chunks)

	keys, err := st.List(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"5511999990000"}, keys)

	require.NoError(t, st.Delete(ctx, key))
	keys, err = st.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := testRedisStore(t)
	key := Key{TenantID: "acme", ConversationKey: "c1"}

	a, err := st.Load(ctx, key)
	require.NoError(t, err)
	b, err := st.Load(ctx, key)
	require.NoError(t, err)

	a.AppendTurn(Turn{ID: "a1", Role: RoleUser, Text: "first", CreatedAt: t0})
	require.NoError(t, st.Save(ctx, a))

	b.AppendTurn(Turn{ID: "b1", Role: RoleUser, Text: "second", CreatedAt: t0})
	assert.ErrorIs(t, st.Save(ctx, b), ErrVersionConflict)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	st := testRedisStore(t, WithRedisTTL(time.Minute))
	key := Key{TenantID: "acme", ConversationKey: "ttl"}

	require.NoError(t, st.Save(ctx, sampleSession(key)))

	rs := st.(*redisStore)
	ttl, err := rs.client.TTL(ctx, rs.key(key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
