package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"clinsync/internal/app/client/queue"
	"clinsync/internal/domain/change"
	dsync "clinsync/internal/domain/sync"
	"clinsync/internal/infrastructure/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeRemote сервер синхронизации в памяти с настраиваемым поведением
type fakeRemote struct {
	mu sync.Mutex

	meta    *change.SyncMetadata
	metaErr error
	metaHit chan struct{}
	release chan struct{}

	pulls   []*dsync.PullResponse
	pullErr error

	push      func(req dsync.PushRequest) (*dsync.PushResponse, error)
	pushCalls []dsync.PushRequest

	metaCalls    int
	pullCalls    int
	updatedMeta  []*change.SyncMetadata
	resolveCalls []string
	resolveErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		push: func(req dsync.PushRequest) (*dsync.PushResponse, error) {
			return ackAll(req), nil
		},
	}
}

func ackAll(req dsync.PushRequest) *dsync.PushResponse {
	resp := &dsync.PushResponse{Status: "Ok"}
	for _, rec := range req.Changes {
		resp.ProcessedChangeIDs = append(resp.ProcessedChangeIDs, rec.ID)
	}
	return resp
}

func (f *fakeRemote) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls + f.pullCalls + len(f.pushCalls) + len(f.updatedMeta) + len(f.resolveCalls)
}

func (f *fakeRemote) GetSyncMetadata(ctx context.Context) (*change.SyncMetadata, error) {
	f.mu.Lock()
	f.metaCalls++
	hit, release := f.metaHit, f.release
	f.mu.Unlock()

	if hit != nil {
		hit <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta == nil {
		return change.NewSyncMetadata("u1", "dev-a"), nil
	}
	meta := *f.meta
	return &meta, nil
}

func (f *fakeRemote) UpdateSyncMetadata(ctx context.Context, meta *change.SyncMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *meta
	f.updatedMeta = append(f.updatedMeta, &m)
	f.meta = &m
	return nil
}

func (f *fakeRemote) Pull(ctx context.Context, req dsync.PullRequest) (*dsync.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if len(f.pulls) == 0 {
		return &dsync.PullResponse{Status: "Ok", ServerTime: req.Since}, nil
	}
	resp := f.pulls[0]
	f.pulls = f.pulls[1:]
	return resp, nil
}

func (f *fakeRemote) Push(ctx context.Context, req dsync.PushRequest) (*dsync.PushResponse, error) {
	f.mu.Lock()
	f.pushCalls = append(f.pushCalls, req)
	push := f.push
	f.mu.Unlock()
	return push(req)
}

func (f *fakeRemote) Status(ctx context.Context, deviceID string) (*dsync.StatusResponse, error) {
	return &dsync.StatusResponse{Status: "Ok"}, nil
}

func (f *fakeRemote) ResolveConflict(ctx context.Context, id string, req dsync.ResolveConflictRequest) (*change.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, id)
	return nil, f.resolveErr
}

func (f *fakeRemote) GetChangesSince(ctx context.Context, since time.Time) ([]*change.Record, error) {
	return nil, nil
}

func (f *fakeRemote) Find(ctx context.Context, collection string, q change.Query) ([]change.Entity, error) {
	return nil, nil
}

func (f *fakeRemote) Create(ctx context.Context, collection string, e change.Entity) (*change.Record, error) {
	return nil, nil
}

func (f *fakeRemote) Update(ctx context.Context, collection string, q change.Query, patch map[string]any) ([]*change.Record, error) {
	return nil, nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection string, q change.Query) ([]*change.Record, error) {
	return nil, nil
}

type env struct {
	local  *memory.Store
	remote *fakeRemote
	queue  *queue.Queue
	syncer *Syncer
	now    *time.Time
	sleeps []time.Duration
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &env{local: memory.New("u1", "dev-a"), remote: newFakeRemote()}
	now := t0
	e.now = &now
	clock := func() time.Time { return *e.now }
	e.local.SetClock(clock)

	q, err := queue.New(ctx, e.local, queue.DefaultConfig(), log)
	require.NoError(t, err)
	q.SetClock(clock)
	e.queue = q

	s, err := New(e.local, e.remote, q, DefaultConfig(), "u1", "dev-a", log)
	require.NoError(t, err)
	s.SetClock(clock)
	s.SetSleeper(func(ctx context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	})
	e.syncer = s
	return e
}

func (e *env) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func remoteRecord(op change.Operation, id string, data map[string]any, version int64, at time.Time) *change.Record {
	rec := change.NewRecord(op, change.EntityPatient, id, data, nil, "u1", "dev-b", version, at)
	rec.SyncStatus = change.StatusSynced
	return rec
}

func pendingChanges(t *testing.T, s *memory.Store) []*change.Record {
	t.Helper()
	all, err := s.GetChangesSince(context.Background(), time.Time{})
	require.NoError(t, err)

	var out []*change.Record
	for _, rec := range all {
		if rec.SyncStatus == change.StatusPending {
			out = append(out, rec)
		}
	}
	return out
}

func patient(t *testing.T, s *memory.Store, id string) *change.Entity {
	t.Helper()
	found, err := s.Find(context.Background(), change.CollectionPatients, change.ByID(id))
	require.NoError(t, err)
	if len(found) == 0 {
		return nil
	}
	return &found[0]
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PushBatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSync_CreateWithoutRemoteData(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)
	rec, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)
	e.advance(time.Second)

	// Act
	res, err := e.syncer.Sync(ctx)

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsOffline)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 0, res.ConflictsDetected)
	assert.Equal(t, int64(1), res.SyncVersion)

	require.Len(t, e.remote.pushCalls, 1)
	assert.Equal(t, rec.ID, e.remote.pushCalls[0].Changes[0].ID)
	assert.Empty(t, pendingChanges(t, e.local))

	meta, err := e.local.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.SyncVersion)
	assert.Equal(t, t0.Add(time.Second), meta.LastSyncAt)
	assert.Len(t, meta.Checksum, 64)
	require.Len(t, e.remote.updatedMeta, 1)
	assert.Equal(t, int64(1), e.remote.updatedMeta[0].SyncVersion)
	assert.Equal(t, StateIdle, e.syncer.Snapshot().State)
}

func TestSync_TimestampConflictServerWins(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)

	created, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana", "diagnosis": "F32"}})
	require.NoError(t, err)
	require.NoError(t, e.local.MarkChangesSynced(ctx, []string{created.ID}))

	e.advance(time.Minute)
	t1 := *e.now
	_, err = e.local.Update(ctx, change.CollectionPatients, change.ByID("P1"), map[string]any{"diagnosis": "F33"})
	require.NoError(t, err)

	t2 := t1.Add(2 * time.Minute)
	server := remoteRecord(change.OperationUpdate, "P1", map[string]any{"name": "Ana", "diagnosis": "F41"}, 2, t2)
	e.remote.pulls = []*dsync.PullResponse{{Status: "Ok", Changes: []*change.Record{server}, ServerTime: t2}}
	e.advance(3 * time.Minute)

	// Act
	res, err := e.syncer.Sync(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Equal(t, 0, res.ConflictsRequireReview)
	assert.Equal(t, "F41", patient(t, e.local, "P1").Data["diagnosis"])

	// Локальная правка проиграла и не отправляется
	assert.Empty(t, pendingChanges(t, e.local))
	assert.Empty(t, e.remote.pushCalls)

	conflicts, err := e.local.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, change.ConflictTimestamp, conflicts[0].ConflictType)
	assert.Equal(t, change.StrategyLastWriterWins, conflicts[0].ResolutionStrategy)
	assert.True(t, conflicts[0].IsResolved)

	meta, err := e.local.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, t2, meta.LastServerUpdate)
}

func TestSync_RemoteDeleteAgainstLocalEdit(t *testing.T) {
	arrange := func(t *testing.T) (*env, *Result) {
		t.Helper()
		ctx := context.Background()
		e := newEnv(t)

		created, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana"}})
		require.NoError(t, err)
		require.NoError(t, e.local.MarkChangesSynced(ctx, []string{created.ID}))

		e.advance(time.Minute)
		_, err = e.local.Update(ctx, change.CollectionPatients, change.ByID("P1"), map[string]any{"name": "Ana Maria"})
		require.NoError(t, err)

		removedAt := e.now.Add(time.Hour)
		removed := remoteRecord(change.OperationDelete, "P1", nil, 3, removedAt)
		e.remote.pulls = []*dsync.PullResponse{{Status: "Ok", Changes: []*change.Record{removed}, ServerTime: removedAt}}
		e.advance(2 * time.Hour)

		res, err := e.syncer.Sync(ctx)
		require.NoError(t, err)
		return e, res
	}

	pushedFor := func(e *env, id string) []*change.Record {
		var out []*change.Record
		for _, call := range e.remote.pushCalls {
			for _, rec := range call.Changes {
				if rec.EntityID == id {
					out = append(out, rec)
				}
			}
		}
		return out
	}

	t.Run("escalated without touching either side", func(t *testing.T) {
		e, res := arrange(t)

		assert.Equal(t, 1, res.ConflictsDetected)
		assert.Equal(t, 0, res.ConflictsResolved)
		assert.Equal(t, 1, res.ConflictsRequireReview)

		entity := patient(t, e.local, "P1")
		require.NotNil(t, entity)
		assert.Equal(t, "Ana Maria", entity.Data["name"])
		assert.Empty(t, pushedFor(e, "P1"))

		conflicts, err := e.local.ListConflicts(context.Background(), true)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, change.ConflictUserIntent, conflicts[0].ConflictType)
	})

	t.Run("server choice keeps the delete", func(t *testing.T) {
		ctx := context.Background()
		e, _ := arrange(t)
		conflicts, err := e.local.ListConflicts(ctx, true)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)

		_, err = e.syncer.ResolveConflict(ctx, conflicts[0].ID, change.ChoiceServer, nil)

		require.NoError(t, err)
		assert.Nil(t, patient(t, e.local, "P1"))
		assert.Empty(t, pendingChanges(t, e.local))
	})

	t.Run("local choice recreates the entity", func(t *testing.T) {
		ctx := context.Background()
		e, _ := arrange(t)
		conflicts, err := e.local.ListConflicts(ctx, true)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)

		_, err = e.syncer.ResolveConflict(ctx, conflicts[0].ID, change.ChoiceLocal, nil)
		require.NoError(t, err)
		e.advance(time.Minute)
		_, err = e.syncer.Sync(ctx)
		require.NoError(t, err)

		pushed := pushedFor(e, "P1")
		require.Len(t, pushed, 1)
		assert.Equal(t, change.OperationCreate, pushed[0].Operation)
		assert.Equal(t, "Ana Maria", pushed[0].Data["name"])
	})
}

func TestSync_PartialAcknowledgement(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)

	var ids []string
	for i := 0; i < 10; i++ {
		rec, err := e.local.Create(ctx, change.CollectionChats, change.Entity{ID: fmt.Sprintf("c%d", i), Data: map[string]any{"n": i}})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	unacked := ids[7:]

	e.remote.push = func(req dsync.PushRequest) (*dsync.PushResponse, error) {
		resp := &dsync.PushResponse{Status: "Ok"}
		for _, rec := range req.Changes {
			if len(req.Changes) == 10 && contains(unacked, rec.ID) {
				continue
			}
			resp.ProcessedChangeIDs = append(resp.ProcessedChangeIDs, rec.ID)
		}
		return resp, nil
	}
	e.advance(time.Second)

	// Act: первый цикл
	res, err := e.syncer.Sync(ctx)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 7, res.Pushed)
	assert.Equal(t, 3, res.Queued)
	ops := e.queue.Operations()
	require.Len(t, ops, 3)
	for _, op := range ops {
		assert.Equal(t, 1, op.Attempts)
		assert.Contains(t, unacked, op.Change.ID)
	}

	// Act: следующий цикл после задержки повтора
	e.advance(2 * time.Second)
	res, err = e.syncer.Sync(ctx)
	require.NoError(t, err)

	// Assert: повторены только три операции, по одной на запрос
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, 0, e.queue.Len())
	require.Len(t, e.remote.pushCalls, 4)
	for _, call := range e.remote.pushCalls[1:] {
		require.Len(t, call.Changes, 1)
		assert.Contains(t, unacked, call.Changes[0].ID)
	}
	assert.Empty(t, pendingChanges(t, e.local))
}

func TestSync_Offline(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)
	for i := 0; i < 5; i++ {
		_, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: fmt.Sprintf("p%d", i), Data: map[string]any{"n": i}})
		require.NoError(t, err)
	}
	e.syncer.SetOffline(true)
	e.advance(time.Second)

	// Act
	res, err := e.syncer.Sync(ctx)

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsOffline)
	assert.Equal(t, 5, res.Queued)
	assert.Equal(t, 5, e.queue.Len())
	assert.Equal(t, 0, e.remote.networkCalls())
	assert.True(t, e.syncer.Snapshot().IsOffline)

	for _, op := range e.queue.Operations() {
		assert.Equal(t, 0, op.Attempts)
	}

	// Связь восстановилась: очередь уходит без ожидания
	e.syncer.SetOffline(false)
	e.advance(time.Second)
	res, err = e.syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Pushed)
	assert.Equal(t, 0, e.queue.Len())
	assert.False(t, e.syncer.Snapshot().IsOffline)
}

func TestSync_UnreachableRemoteDegradesToOffline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "p1", Data: map[string]any{"n": 1}})
	require.NoError(t, err)
	e.remote.metaErr = fmt.Errorf("%w: connection refused", change.ErrTransient)

	res, err := e.syncer.Sync(ctx)

	require.NoError(t, err)
	assert.True(t, res.IsOffline)
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 0, e.remote.pullCalls)
	assert.Empty(t, e.remote.pushCalls)
}

func TestSync_PushTransientErrorQueuesBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		_, err := e.local.Create(ctx, change.CollectionFiles, change.Entity{ID: fmt.Sprintf("f%d", i), Data: map[string]any{"n": i}})
		require.NoError(t, err)
	}
	e.remote.push = func(req dsync.PushRequest) (*dsync.PushResponse, error) {
		return nil, fmt.Errorf("%w: 503", change.ErrTransient)
	}

	res, err := e.syncer.Sync(ctx)

	require.NoError(t, err)
	assert.True(t, res.IsOffline)
	assert.Equal(t, 3, res.Queued)
	require.Len(t, e.remote.pushCalls, 1)
	// Метаданные на сервер не отправляются в офлайне
	assert.Empty(t, e.remote.updatedMeta)
}

// failingQueueStore хранилище, отказывающее в записи операций очереди
type failingQueueStore struct {
	*memory.Store
	fail bool
}

func (f *failingQueueStore) AddPendingOperation(ctx context.Context, op *change.PendingOperation) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.AddPendingOperation(ctx, op)
}

func TestSync_EnqueueFailureKeepsChangeForNextCycle(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return *e.now }

	store := &failingQueueStore{Store: e.local, fail: true}
	q, err := queue.New(ctx, store, queue.DefaultConfig(), log)
	require.NoError(t, err)
	q.SetClock(clock)
	s, err := New(e.local, e.remote, q, DefaultConfig(), "u1", "dev-a", log)
	require.NoError(t, err)
	s.SetClock(clock)
	s.SetOffline(true)

	rec, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)
	e.advance(time.Second)

	// Act
	res, err := s.Sync(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, q.Len())

	meta, err := e.local.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.True(t, meta.LastSyncAt.IsZero())

	// Запись снова доступна: изменение подбирается следующим циклом
	store.fail = false
	e.advance(time.Second)
	res, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	ops := q.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, rec.ID, ops[0].Change.ID)

	meta, err = e.local.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), meta.LastSyncAt)
}

func TestSync_ClinicalConflictRequiresReview(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)

	base := map[string]any{"name": "Ana", "clinicalInfo": map[string]any{"medications": []any{"sertraline"}}}
	created, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: base})
	require.NoError(t, err)
	require.NoError(t, e.local.MarkChangesSynced(ctx, []string{created.ID}))

	e.advance(time.Minute)
	local, err := e.local.Update(ctx, change.CollectionPatients, change.ByID("P1"), map[string]any{
		"clinicalInfo": map[string]any{"medications": []any{"fluoxetine"}},
	})
	require.NoError(t, err)
	require.Len(t, local, 1)

	serverAt := e.now.Add(10 * time.Minute)
	server := remoteRecord(change.OperationUpdate, "P1", map[string]any{
		"name":         "Ana",
		"clinicalInfo": map[string]any{"medications": []any{"escitalopram"}},
	}, 2, serverAt)
	e.remote.pulls = []*dsync.PullResponse{{Status: "Ok", Changes: []*change.Record{server}, ServerTime: serverAt}}
	e.advance(15 * time.Minute)

	// Act
	res, err := e.syncer.Sync(ctx)

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ConflictsRequireReview)
	assert.Equal(t, 0, res.ConflictsResolved)

	p := patient(t, e.local, "P1")
	assert.Equal(t, []any{"fluoxetine"}, p.Data["clinicalInfo"].(map[string]any)["medications"])
	assert.Empty(t, e.remote.pushCalls, "заблокированная сущность не отправляется")

	conflicts, err := e.local.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, change.ConflictClinicalPriority, conflicts[0].ConflictType)
	assert.Equal(t, []string{"clinicalInfo.medications"}, conflicts[0].Fields)

	// Повторный цикл ничего не меняет
	e.advance(time.Minute)
	_, err = e.syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.remote.pushCalls)

	// Act: пользователь выбирает серверное значение
	resolved, err := e.syncer.ResolveConflict(ctx, conflicts[0].ID, change.ChoiceServer, nil)

	// Assert
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, change.ActorUser, resolved.ResolvedBy)
	p = patient(t, e.local, "P1")
	assert.Equal(t, []any{"escitalopram"}, p.Data["clinicalInfo"].(map[string]any)["medications"])
	assert.Empty(t, pendingChanges(t, e.local))
	assert.Equal(t, []string{conflicts[0].ID}, e.remote.resolveCalls)

	unresolved, err := e.local.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestResolveConflict_LocalChoicePushesNewChange(t *testing.T) {
	// Arrange
	ctx := context.Background()
	e := newEnv(t)
	e.remote.resolveErr = fmt.Errorf("%w: статус 404", change.ErrRejected)

	created, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"diagnosis": "F32"}})
	require.NoError(t, err)
	require.NoError(t, e.local.MarkChangesSynced(ctx, []string{created.ID}))
	e.advance(time.Minute)
	_, err = e.local.Update(ctx, change.CollectionPatients, change.ByID("P1"), map[string]any{"diagnosis": "F33"})
	require.NoError(t, err)

	serverAt := e.now.Add(time.Hour)
	server := remoteRecord(change.OperationUpdate, "P1", map[string]any{"diagnosis": "F41"}, 2, serverAt)
	e.remote.pulls = []*dsync.PullResponse{{Status: "Ok", Changes: []*change.Record{server}, ServerTime: serverAt}}
	e.advance(2 * time.Hour)

	res, err := e.syncer.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ConflictsRequireReview)
	conflicts, err := e.local.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// Act
	_, err = e.syncer.ResolveConflict(ctx, conflicts[0].ID, change.ChoiceLocal, nil)
	require.NoError(t, err)

	// Assert: новое изменение несет локальное значение и версию выше серверной
	pending := pendingChanges(t, e.local)
	require.Len(t, pending, 1)
	assert.Equal(t, "F33", pending[0].Data["diagnosis"])
	assert.Greater(t, pending[0].Version, server.Version)

	e.advance(time.Second)
	res, err = e.syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, pending[0].ID, e.remote.pushCalls[len(e.remote.pushCalls)-1].Changes[0].ID)
}

func TestResolveConflict_NotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.syncer.ResolveConflict(context.Background(), "missing", change.ChoiceServer, nil)

	assert.True(t, errors.Is(err, change.ErrNotFound))
}

func TestSync_FieldMergeWritesMergedChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	created, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana", "phone": "1"}})
	require.NoError(t, err)
	require.NoError(t, e.local.MarkChangesSynced(ctx, []string{created.ID}))
	e.advance(time.Minute)
	_, err = e.local.Update(ctx, change.CollectionPatients, change.ByID("P1"), map[string]any{"name": "Ana Maria"})
	require.NoError(t, err)

	// Сервер поменял телефон поверх локального имени, расходится одно поле
	serverAt := e.now.Add(time.Hour)
	server := remoteRecord(change.OperationUpdate, "P1", map[string]any{"name": "Ana Maria", "phone": "2"}, 2, serverAt)
	e.remote.pulls = []*dsync.PullResponse{{Status: "Ok", Changes: []*change.Record{server}, ServerTime: serverAt}}
	e.advance(2 * time.Hour)

	res, err := e.syncer.Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Equal(t, map[string]any{"name": "Ana Maria", "phone": "2"}, patient(t, e.local, "P1").Data)

	// Результат слияния отправлен как новое изменение
	require.Len(t, e.remote.pushCalls, 1)
	pushed := e.remote.pushCalls[0].Changes
	require.Len(t, pushed, 1)
	assert.Equal(t, int64(3), pushed[0].Version)
	assert.Empty(t, pendingChanges(t, e.local))
}

func TestSync_RemoteChangeAppliedOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	server := remoteRecord(change.OperationCreate, "P9", map[string]any{"name": "Eva"}, 1, t0)
	e.remote.pulls = []*dsync.PullResponse{
		{Status: "Ok", Changes: []*change.Record{server}, ServerTime: t0},
		{Status: "Ok", Changes: []*change.Record{server}, ServerTime: t0.Add(time.Second)},
	}

	res, err := e.syncer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	first := patient(t, e.local, "P9")

	e.advance(time.Minute)
	res, err = e.syncer.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Applied)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ReasonDuplicate, res.Items[0].Reason)
	assert.Equal(t, first, patient(t, e.local, "P9"))
}

func TestSync_ServerConflictOnPushBlocksEntity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rec, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)

	e.remote.push = func(req dsync.PushRequest) (*dsync.PushResponse, error) {
		cr := &change.ConflictRecord{
			ID:           "srv-1",
			EntityType:   change.EntityPatient,
			EntityID:     "P1",
			LocalChange:  req.Changes[0],
			ServerChange: remoteRecord(change.OperationCreate, "P1", map[string]any{"name": "Eva"}, 1, t0),
			ConflictType: change.ConflictFieldMerge,
			Timestamp:    t0,
		}
		return &dsync.PushResponse{Status: "Ok", Conflicts: []*change.ConflictRecord{cr}}, nil
	}

	res, err := e.syncer.Sync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsRequireReview)
	assert.Equal(t, 0, e.queue.Len())
	stored, err := e.local.GetConflict(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.LocalChange.ID)
}

func TestSync_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rec, err := e.local.Create(ctx, change.CollectionPatients, change.Entity{ID: "P1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)

	// Сервер отвечает, но изменение не подтверждает
	e.remote.push = func(req dsync.PushRequest) (*dsync.PushResponse, error) {
		return &dsync.PushResponse{Status: "Ok", Errors: []string{"boom"}}, nil
	}

	_, err = e.syncer.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.queue.Len())

	var last *Result
	for i := 0; i < 5 && e.queue.Len() > 0; i++ {
		e.advance(time.Minute)
		last, err = e.syncer.Sync(ctx)
		require.NoError(t, err)
	}

	require.NotNil(t, last)
	assert.Equal(t, 1, last.PermanentFailures)
	assert.Equal(t, 0, e.queue.Len())

	all, err := e.local.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	for _, r := range all {
		if r.ID == rec.ID {
			assert.Equal(t, change.StatusFailed, r.SyncStatus)
		}
	}
}

func TestSync_Unauthorized(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.remote.metaErr = fmt.Errorf("%w: token expired", change.ErrUnauthorized)

	res, err := e.syncer.Sync(ctx)

	assert.True(t, errors.Is(err, change.ErrUnauthorized))
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestForceSync(t *testing.T) {
	t.Run("retries with backoff while offline", func(t *testing.T) {
		e := newEnv(t)
		e.remote.metaErr = fmt.Errorf("%w: connection refused", change.ErrTransient)

		res, err := e.syncer.ForceSync(context.Background())

		assert.True(t, errors.Is(err, ErrOffline))
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.sleeps)
		assert.Equal(t, 3, e.remote.metaCalls)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		e := newEnv(t)
		e.remote.metaErr = fmt.Errorf("%w: bad token", change.ErrUnauthorized)

		_, err := e.syncer.ForceSync(context.Background())

		assert.True(t, errors.Is(err, change.ErrUnauthorized))
		assert.Empty(t, e.sleeps)
		assert.Equal(t, 1, e.remote.metaCalls)
	})

	t.Run("succeeds on first attempt", func(t *testing.T) {
		e := newEnv(t)

		res, err := e.syncer.ForceSync(context.Background())

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, e.sleeps)
	})
}

func TestSync_ConcurrentCallersShareCycle(t *testing.T) {
	e := newEnv(t)
	e.remote.metaHit = make(chan struct{})
	e.remote.release = make(chan struct{})

	results := make(chan *Result, 2)
	go func() {
		res, _ := e.syncer.Sync(context.Background())
		results <- res
	}()
	<-e.remote.metaHit
	assert.True(t, e.syncer.IsSyncing())

	go func() {
		res, _ := e.syncer.Sync(context.Background())
		results <- res
	}()
	time.Sleep(50 * time.Millisecond)
	close(e.remote.release)

	first, second := <-results, <-results
	assert.Same(t, first, second)
	assert.Equal(t, 1, e.remote.metaCalls)
	assert.False(t, e.syncer.IsSyncing())
}

func TestSyncer_StartStopAndReset(t *testing.T) {
	e := newEnv(t)

	e.syncer.Start(context.Background())
	assert.True(t, e.syncer.Snapshot().Running)

	e.syncer.Stop()
	snap := e.syncer.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.IsSyncing)
	assert.Equal(t, StateIdle, snap.State)

	_, err := e.syncer.Sync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e.syncer.Snapshot().LastResult)

	e.syncer.SetOffline(true)
	e.syncer.ResetState()
	snap = e.syncer.Snapshot()
	assert.Nil(t, snap.LastResult)
	assert.False(t, snap.IsOffline)
}
