// Package storagetest проверяет одинаковое поведение локальных хранилищ
package storagetest

import (
	"context"
	"testing"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/infrastructure/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory создает пустое хранилище для пользователя u1 и устройства dev-a
type Factory func(t *testing.T) storage.Local

// RunLocal прогоняет общий набор проверок адаптера
func RunLocal(t *testing.T, newStore Factory) {
	t.Run("create appends change", func(t *testing.T) { testCreate(t, newStore(t)) })
	t.Run("create duplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("update and delete", func(t *testing.T) { testUpdateDelete(t, newStore(t)) })
	t.Run("find with query", func(t *testing.T) { testFind(t, newStore(t)) })
	t.Run("apply change is idempotent", func(t *testing.T) { testApplyIdempotent(t, newStore(t)) })
	t.Run("mark synced", func(t *testing.T) { testMarkSynced(t, newStore(t)) })
	t.Run("metadata is monotonic", func(t *testing.T) { testMetadata(t, newStore(t)) })
	t.Run("pending operations", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("conflicts", func(t *testing.T) { testConflicts(t, newStore(t)) })
	t.Run("migration bookkeeping", func(t *testing.T) { testMigration(t, newStore(t)) })
	t.Run("replace collection", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("unknown collection", func(t *testing.T) { testUnknownCollection(t, newStore(t)) })
}

func testCreate(t *testing.T, s storage.Local) {
	ctx := context.Background()

	rec, err := s.Create(ctx, change.CollectionPatients, change.Entity{ID: "p1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)

	assert.Equal(t, change.OperationCreate, rec.Operation)
	assert.Equal(t, change.EntityPatient, rec.EntityType)
	assert.Equal(t, "p1", rec.EntityID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "dev-a", rec.DeviceID)
	assert.Equal(t, change.StatusPending, rec.SyncStatus)
	assert.Equal(t, int64(1), rec.Version)

	changes, err := s.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, rec.ID, changes[0].ID)
	assert.Equal(t, map[string]any{"name": "Ana"}, changes[0].Data)

	entities, err := s.Find(ctx, change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, int64(1), entities[0].Version)

	generated, err := s.Create(ctx, change.CollectionChats, change.Entity{Data: map[string]any{"title": "t"}})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.EntityID)
}

func testCreateDuplicate(t *testing.T, s storage.Local) {
	ctx := context.Background()

	_, err := s.Create(ctx, change.CollectionPatients, change.Entity{ID: "p1", Data: map[string]any{"name": "Ana"}})
	require.NoError(t, err)

	_, err = s.Create(ctx, change.CollectionPatients, change.Entity{ID: "p1", Data: map[string]any{"name": "Eva"}})
	assert.ErrorIs(t, err, change.ErrAlreadyExists)
}

func testUpdateDelete(t *testing.T, s storage.Local) {
	ctx := context.Background()

	_, err := s.Create(ctx, change.CollectionPatients, change.Entity{ID: "p1", Data: map[string]any{"name": "Ana", "ward": "A"}})
	require.NoError(t, err)

	updated, err := s.Update(ctx, change.CollectionPatients, change.ByID("p1"), map[string]any{"diagnosis": "F32"})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, change.OperationUpdate, updated[0].Operation)
	assert.Equal(t, int64(2), updated[0].Version)
	assert.Equal(t, map[string]any{"name": "Ana", "ward": "A", "diagnosis": "F32"}, updated[0].Data)
	assert.Equal(t, map[string]any{"name": "Ana", "ward": "A"}, updated[0].PreviousData)

	deleted, err := s.Delete(ctx, change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, change.OperationDelete, deleted[0].Operation)
	assert.Nil(t, deleted[0].Data)

	entities, err := s.Find(ctx, change.CollectionPatients, change.Query{})
	require.NoError(t, err)
	assert.Empty(t, entities)

	changes, err := s.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	none, err := s.Update(ctx, change.CollectionPatients, change.ByID("missing"), map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFind(t *testing.T, s storage.Local) {
	ctx := context.Background()

	for _, e := range []change.Entity{
		{ID: "p1", Data: map[string]any{"ward": "A"}},
		{ID: "p2", Data: map[string]any{"ward": "B"}},
		{ID: "p3", Data: map[string]any{"ward": "A"}},
	} {
		_, err := s.Create(ctx, change.CollectionPatients, e)
		require.NoError(t, err)
	}

	wardA, err := s.Find(ctx, change.CollectionPatients, change.Query{Where: map[string]any{"ward": "A"}})
	require.NoError(t, err)
	require.Len(t, wardA, 2)
	assert.Equal(t, "p1", wardA[0].ID)
	assert.Equal(t, "p3", wardA[1].ID)

	limited, err := s.Find(ctx, change.CollectionPatients, change.Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testApplyIdempotent(t *testing.T, s storage.Local) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := change.NewRecord(change.OperationUpdate, change.EntityPatient, "p1",
		map[string]any{"name": "Ana", "diagnosis": "F33"}, nil, "u1", "dev-b", 3, at)
	rec.SyncStatus = change.StatusSynced

	applied, err := s.ApplyChange(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied)

	first, err := s.Find(ctx, change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)

	applied, err = s.ApplyChange(ctx, rec)
	require.NoError(t, err)
	assert.False(t, applied)

	second, err := s.Find(ctx, change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Data, second[0].Data)
	assert.Equal(t, first[0].Version, second[0].Version)
	assert.Equal(t, int64(3), second[0].Version)
	assert.True(t, second[0].UpdatedAt.Equal(at))

	changes, err := s.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1)

	del := change.NewRecord(change.OperationDelete, change.EntityPatient, "p1", nil, nil, "u1", "dev-b", 4, at.Add(time.Second))
	applied, err = s.ApplyChange(ctx, del)
	require.NoError(t, err)
	assert.True(t, applied)

	gone, err := s.Find(ctx, change.CollectionPatients, change.ByID("p1"))
	require.NoError(t, err)
	assert.Empty(t, gone)

	_, err = s.ApplyChange(ctx, &change.Record{ID: "bad"})
	assert.ErrorIs(t, err, change.ErrInvalidChange)
}

func testMarkSynced(t *testing.T, s storage.Local) {
	ctx := context.Background()

	a, err := s.Create(ctx, change.CollectionChats, change.Entity{ID: "c1", Data: map[string]any{"title": "a"}})
	require.NoError(t, err)
	b, err := s.Create(ctx, change.CollectionChats, change.Entity{ID: "c2", Data: map[string]any{"title": "b"}})
	require.NoError(t, err)

	require.NoError(t, s.MarkChangesSynced(ctx, []string{a.ID, "unknown"}))
	require.NoError(t, s.MarkChangesFailed(ctx, []string{b.ID}))
	require.NoError(t, s.MarkChangesSynced(ctx, nil))

	changes, err := s.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	statuses := map[string]change.Status{}
	for _, c := range changes {
		statuses[c.ID] = c.SyncStatus
	}
	assert.Equal(t, change.StatusSynced, statuses[a.ID])
	assert.Equal(t, change.StatusFailed, statuses[b.ID])
}

func testMetadata(t *testing.T, s storage.Local) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	empty, err := s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", empty.UserID)
	assert.Equal(t, "dev-a", empty.DeviceID)
	assert.Zero(t, empty.SyncVersion)

	meta := &change.SyncMetadata{UserID: "u1", DeviceID: "dev-a", LastSyncAt: t0, SyncVersion: 5, Checksum: "abc"}
	require.NoError(t, s.UpdateSyncMetadata(ctx, meta))

	stale := &change.SyncMetadata{UserID: "u1", DeviceID: "dev-a", LastSyncAt: t0.Add(-time.Hour), SyncVersion: 2, Checksum: "def"}
	require.NoError(t, s.UpdateSyncMetadata(ctx, stale))

	got, err := s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.SyncVersion)
	assert.True(t, got.LastSyncAt.Equal(t0))
	assert.Equal(t, "def", got.Checksum)

	assert.Error(t, s.UpdateSyncMetadata(ctx, nil))
}

func testPending(t *testing.T, s storage.Local) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := change.NewRecord(change.OperationCreate, change.EntityChat, "c1", map[string]any{"title": "t"}, nil, "u1", "dev-a", 1, t0)
	second := &change.PendingOperation{ID: "op-2", Change: rec, Priority: 1, MaxRetries: 3, CreatedAt: t0.Add(time.Second)}
	first := &change.PendingOperation{ID: "op-1", Change: rec, Priority: 7, MaxRetries: 3, CreatedAt: t0}

	require.NoError(t, s.AddPendingOperation(ctx, second))
	require.NoError(t, s.AddPendingOperation(ctx, first))
	assert.Error(t, s.AddPendingOperation(ctx, &change.PendingOperation{}))

	ops, err := s.GetPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, rec.ID, ops[0].Change.ID)

	first.Attempts = 2
	first.LastError = "timeout"
	require.NoError(t, s.UpdatePendingOperation(ctx, first))
	assert.ErrorIs(t, s.UpdatePendingOperation(ctx, &change.PendingOperation{ID: "missing"}), change.ErrNotFound)

	require.NoError(t, s.MarkOperationComplete(ctx, "op-2"))

	ops, err = s.GetPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].Attempts)
	assert.Equal(t, "timeout", ops[0].LastError)
}

func testConflicts(t *testing.T, s storage.Local) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	open := &change.ConflictRecord{ID: uuid.NewString(), EntityType: change.EntityPatient, EntityID: "p1",
		ConflictType: change.ConflictClinicalPriority, Fields: []string{"diagnosis"}, Timestamp: t0}
	done := &change.ConflictRecord{ID: uuid.NewString(), EntityType: change.EntityChat, EntityID: "c1",
		ConflictType: change.ConflictFieldMerge, Timestamp: t0.Add(time.Minute)}
	done.MarkResolved(change.StrategyMerge, map[string]any{"title": "x"}, change.ActorSystem, t0.Add(2*time.Minute))

	require.NoError(t, s.SaveConflict(ctx, open))
	require.NoError(t, s.SaveConflict(ctx, done))

	all, err := s.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	unresolved, err := s.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, open.ID, unresolved[0].ID)

	got, err := s.GetConflict(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, got.IsResolved)
	assert.Equal(t, change.ActorSystem, got.ResolvedBy)

	_, err = s.GetConflict(ctx, "missing")
	assert.ErrorIs(t, err, change.ErrNotFound)
}

func testMigration(t *testing.T, s storage.Local) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	backup := &change.MigrationBackup{ID: "b1", Timestamp: t0, UserID: "u1", DeviceID: "dev-a", Data: []byte(`{"x":1}`), Checksum: "c"}
	require.NoError(t, s.SaveBackup(ctx, backup))
	got, err := s.GetBackup(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, backup.Data, got.Data)
	require.NoError(t, s.DeleteBackup(ctx, "b1"))
	_, err = s.GetBackup(ctx, "b1")
	assert.ErrorIs(t, err, change.ErrNotFound)

	status := &change.MigrationStatus{UserID: "u1", State: change.MigrationInProgress, Total: 3, StartedAt: t0}
	require.NoError(t, s.SaveMigrationStatus(ctx, status))
	gotStatus, err := s.GetMigrationStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, change.MigrationInProgress, gotStatus.State)
	require.NoError(t, s.DeleteMigrationStatus(ctx, "u1"))
	_, err = s.GetMigrationStatus(ctx, "u1")
	assert.ErrorIs(t, err, change.ErrNotFound)

	require.NoError(t, s.EnqueueMigration(ctx, &change.MigrationRequest{UserID: "low", Priority: 1, EnqueuedAt: t0}))
	require.NoError(t, s.EnqueueMigration(ctx, &change.MigrationRequest{UserID: "high", Priority: 9, EnqueuedAt: t0.Add(time.Second)}))
	queue, err := s.ListMigrationQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "high", queue[0].UserID)

	require.NoError(t, s.RemoveMigrationQueue(ctx, "high"))
	queue, err = s.ListMigrationQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "low", queue[0].UserID)
}

func testReplace(t *testing.T, s storage.Local) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Create(ctx, change.CollectionPatients, change.Entity{ID: "p9", Data: map[string]any{"name": "X"}})
	require.NoError(t, err)

	restored := []change.Entity{{ID: "p1", Data: map[string]any{"name": "Ana"}, UpdatedAt: t0, Version: 4}}
	require.NoError(t, s.ReplaceCollection(ctx, change.CollectionPatients, restored))

	entities, err := s.Find(ctx, change.CollectionPatients, change.Query{})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "p1", entities[0].ID)
	assert.Equal(t, int64(4), entities[0].Version)
	assert.Equal(t, map[string]any{"name": "Ana"}, entities[0].Data)

	// Замена не пишет журнал
	changes, err := s.GetChangesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func testUnknownCollection(t *testing.T, s storage.Local) {
	ctx := context.Background()

	_, err := s.Find(ctx, "invoices", change.Query{})
	assert.ErrorIs(t, err, change.ErrUnknownCollection)

	_, err = s.Create(ctx, "invoices", change.Entity{ID: "i1"})
	assert.ErrorIs(t, err, change.ErrUnknownCollection)

	assert.ErrorIs(t, s.ReplaceCollection(ctx, "invoices", nil), change.ErrUnknownCollection)
}
