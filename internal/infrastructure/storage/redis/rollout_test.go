package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RolloutStore, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	store, err := New("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNew(t *testing.T) {
	t.Run("connects", func(t *testing.T) {
		store, _ := setupTestRedis(t)
		assert.NoError(t, store.Ping(context.Background()))
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := New("not-a-url")
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		s, err := miniredis.Run()
		require.NoError(t, err)
		addr := s.Addr()
		s.Close()

		_, err = New("redis://" + addr)
		assert.Error(t, err)
	})
}

func TestRolloutStore_Attempts(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	last, err := store.LastAttempt(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, store.RecordAttempt(ctx, "user-1", at, time.Hour))

	last, err = store.LastAttempt(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, at.Equal(last))

	// Ключ истекает вместе с окном ожидания
	s.FastForward(time.Hour + time.Second)

	last, err = store.LastAttempt(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestRolloutStore_Slots(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 10 * time.Minute

	// Arrange: лимит 2
	ok, err := store.AcquireSlot(ctx, "user-1", 2, now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireSlot(ctx, "user-2", 2, now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Act + Assert: третий не помещается, повтор того же пользователя не занимает слот
	ok, err = store.AcquireSlot(ctx, "user-3", 2, now, ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.AcquireSlot(ctx, "user-1", 2, now, ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.ActiveSlots(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.ReleaseSlot(ctx, "user-1"))

	ok, err = store.AcquireSlot(ctx, "user-3", 2, now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRolloutStore_SlotsExpire(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := store.AcquireSlot(ctx, "user-1", 1, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Minute)

	n, err := store.ActiveSlots(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = store.AcquireSlot(ctx, "user-2", 1, later, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
