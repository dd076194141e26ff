package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/infrastructure/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Percentage = 100
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "percentage above 100", mutate: func(c *Config) { c.Percentage = 101 }, wantErr: true},
		{name: "negative percentage", mutate: func(c *Config) { c.Percentage = -1 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.MaxConcurrent = 0 }, wantErr: true},
		{name: "zero drain interval", mutate: func(c *Config) { c.DrainInterval = 0 }, wantErr: true},
		{name: "negative cooldown", mutate: func(c *Config) { c.Cooldown = -time.Second }, wantErr: true},
		{name: "zero slot ttl", mutate: func(c *Config) { c.SlotTTL = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 0, Bucket("user-1"))
	assert.Equal(t, 57, Bucket("user-2"))
	assert.Equal(t, 79, Bucket("alice"))
	assert.Equal(t, Bucket("alice"), Bucket("alice"))

	inside := 0
	for i := 0; i < 10000; i++ {
		b := Bucket(fmt.Sprintf("user-%d", i))
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 100)
		if b < 30 {
			inside++
		}
	}
	assert.InDelta(t, 3000, inside, 300)
}

func TestConfig_Evaluate(t *testing.T) {
	base := Config{
		Enabled:    true,
		Percentage: 30,
		Include:    []string{"alice"},
		Exclude:    []string{"user-1"},
		Cooldown:   time.Hour,
	}

	tests := []struct {
		name     string
		mutate   func(c *Config)
		userID   string
		last     time.Time
		eligible bool
		reason   Reason
	}{
		{name: "flag off", mutate: func(c *Config) { c.Enabled = false }, userID: "alice", reason: ReasonDisabled},
		{name: "excluded beats percentage", userID: "user-1", reason: ReasonExcluded},
		{name: "included outside percentage", userID: "alice", eligible: true, reason: ReasonIncluded},
		{name: "inside percentage", userID: "erin", eligible: true, reason: ReasonInPercentage},
		{name: "outside percentage", userID: "user-2", reason: ReasonOutsidePercentage},
		{name: "zero percentage", mutate: func(c *Config) { c.Percentage = 0 }, userID: "erin", reason: ReasonOutsidePercentage},
		{name: "cooldown active", userID: "erin", last: testNow.Add(-30 * time.Minute), reason: ReasonCooldown},
		{name: "cooldown elapsed", userID: "erin", last: testNow.Add(-time.Hour), eligible: true, reason: ReasonInPercentage},
		{name: "excluded during cooldown", userID: "user-1", last: testNow, reason: ReasonExcluded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			d := cfg.evaluate(tt.userID, tt.last, testNow)

			assert.Equal(t, tt.eligible, d.Eligible)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, Bucket(tt.userID), d.Bucket)
			if tt.reason == ReasonCooldown {
				assert.Equal(t, tt.last.Add(time.Hour), d.RetryAt)
			}
		})
	}
}

func TestMemoryState_Slots(t *testing.T) {
	s := NewMemoryState()
	ctx := context.Background()

	ok, err := s.AcquireSlot(ctx, "a", 1, testNow, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.AcquireSlot(ctx, "b", 1, testNow, time.Minute)
	assert.False(t, ok)

	n, _ := s.ActiveSlots(ctx, testNow.Add(2*time.Minute))
	assert.Zero(t, n)

	ok, _ = s.AcquireSlot(ctx, "b", 1, testNow.Add(2*time.Minute), time.Minute)
	assert.True(t, ok)
}

// recorder runner, который фиксирует порядок запусков и может удерживать слот
type recorder struct {
	mu      sync.Mutex
	order   []string
	release chan struct{}
	err     error
}

func (r *recorder) run(ctx context.Context, userID string) error {
	r.mu.Lock()
	r.order = append(r.order, userID)
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *recorder) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type env struct {
	now   time.Time
	store *memory.Store
	state *MemoryState
	rec   *recorder
	c     *Controller
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	e := &env{
		now:   testNow,
		store: memory.New("local", "device-a"),
		state: NewMemoryState(),
		rec:   &recorder{},
	}
	c, err := New(cfg, e.state, e.store, e.rec.run, testLogger())
	require.NoError(t, err)
	c.SetClock(func() time.Time { return e.now })
	e.c = c
	return e
}

func TestController_Enqueue(t *testing.T) {
	t.Run("eligible user is persisted", func(t *testing.T) {
		e := newEnv(t, enabledConfig())

		d, err := e.c.Enqueue(context.Background(), "user-2", 3)

		require.NoError(t, err)
		assert.True(t, d.Eligible)
		persisted, err := e.store.ListMigrationQueue(context.Background())
		require.NoError(t, err)
		require.Len(t, persisted, 1)
		assert.Equal(t, "user-2", persisted[0].UserID)
		assert.Equal(t, 3, persisted[0].Priority)
	})

	t.Run("disabled user is not queued", func(t *testing.T) {
		e := newEnv(t, DefaultConfig())

		d, err := e.c.Enqueue(context.Background(), "user-2", 1)

		require.NoError(t, err)
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonDisabled, d.Reason)
		assert.Empty(t, e.c.Pending())
	})

	t.Run("re-enqueue updates priority", func(t *testing.T) {
		e := newEnv(t, enabledConfig())
		_, err := e.c.Enqueue(context.Background(), "user-2", 1)
		require.NoError(t, err)
		_, err = e.c.Enqueue(context.Background(), "user-3", 2)
		require.NoError(t, err)

		_, err = e.c.Enqueue(context.Background(), "user-2", 5)
		require.NoError(t, err)

		pending := e.c.Pending()
		require.Len(t, pending, 2)
		assert.Equal(t, "user-2", pending[0].UserID)
		assert.Equal(t, 5, pending[0].Priority)
	})
}

func TestController_DrainByPriority(t *testing.T) {
	// Arrange
	cfg := enabledConfig()
	cfg.MaxConcurrent = 1
	e := newEnv(t, cfg)
	ctx := context.Background()
	for user, prio := range map[string]int{"user-a": 1, "user-b": 5, "user-c": 3} {
		_, err := e.c.Enqueue(ctx, user, prio)
		require.NoError(t, err)
	}

	// Act
	for i := 0; i < 3; i++ {
		started, err := e.c.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, started)
		e.c.Wait()
	}

	// Assert
	assert.Equal(t, []string{"user-b", "user-c", "user-a"}, e.rec.started())
	assert.Empty(t, e.c.Pending())
	persisted, err := e.store.ListMigrationQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestController_DrainRespectsConcurrency(t *testing.T) {
	// Arrange
	cfg := enabledConfig()
	cfg.MaxConcurrent = 2
	e := newEnv(t, cfg)
	e.rec.release = make(chan struct{})
	ctx := context.Background()
	for _, user := range []string{"user-a", "user-b", "user-c"} {
		_, err := e.c.Enqueue(ctx, user, 1)
		require.NoError(t, err)
	}

	// Act
	started, err := e.c.Drain(ctx)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 2, started)
	assert.Len(t, e.c.Pending(), 1)

	started, err = e.c.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	close(e.rec.release)
	e.c.Wait()

	started, err = e.c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	e.c.Wait()
	assert.Len(t, e.rec.started(), 3)
}

func TestController_Cooldown(t *testing.T) {
	// Arrange
	e := newEnv(t, enabledConfig())
	ctx := context.Background()
	_, err := e.c.Enqueue(ctx, "user-2", 1)
	require.NoError(t, err)
	_, err = e.c.Drain(ctx)
	require.NoError(t, err)
	e.c.Wait()

	// Act: повтор внутри окна остается в очереди
	d, err := e.c.Enqueue(ctx, "user-2", 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCooldown, d.Reason)

	started, err := e.c.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Len(t, e.c.Pending(), 1)

	// Assert: после окна миграция запускается
	e.now = e.now.Add(time.Hour)
	started, err = e.c.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	e.c.Wait()
	assert.Equal(t, []string{"user-2", "user-2"}, e.rec.started())
}

func TestController_RestoreDropsIneligible(t *testing.T) {
	// Arrange: очередь сохранена до того, как bob попал в исключения
	cfg := enabledConfig()
	cfg.Exclude = []string{"bob"}
	e := newEnv(t, cfg)
	ctx := context.Background()
	require.NoError(t, e.store.EnqueueMigration(ctx, &change.MigrationRequest{UserID: "bob", Priority: 9, EnqueuedAt: testNow}))
	require.NoError(t, e.store.EnqueueMigration(ctx, &change.MigrationRequest{UserID: "carol", Priority: 1, EnqueuedAt: testNow}))

	// Act
	require.NoError(t, e.c.Restore(ctx))
	require.Len(t, e.c.Pending(), 2)
	started, err := e.c.Drain(ctx)
	e.c.Wait()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []string{"carol"}, e.rec.started())
	persisted, err := e.store.ListMigrationQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestController_FailedRunReleasesSlot(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxConcurrent = 1
	e := newEnv(t, cfg)
	e.rec.err = errors.New("remote unavailable")
	ctx := context.Background()

	_, err := e.c.Enqueue(ctx, "user-a", 1)
	require.NoError(t, err)
	_, err = e.c.Drain(ctx)
	require.NoError(t, err)
	e.c.Wait()

	n, err := e.state.ActiveSlots(ctx, e.now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestController_StartStop(t *testing.T) {
	cfg := enabledConfig()
	cfg.DrainInterval = 10 * time.Millisecond
	e := newEnv(t, cfg)
	ctx := context.Background()
	require.NoError(t, e.store.EnqueueMigration(ctx, &change.MigrationRequest{UserID: "user-a", Priority: 1, EnqueuedAt: testNow}))

	require.NoError(t, e.c.Start(ctx))
	assert.Eventually(t, func() bool {
		return len(e.rec.started()) == 1
	}, time.Second, 5*time.Millisecond)
	e.c.Stop()

	assert.Equal(t, []string{"user-a"}, e.rec.started())
}
