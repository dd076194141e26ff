package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinsync/internal/domain/change"

	"github.com/google/uuid"
)

// Store локальное хранилище в памяти процесса.
// Используется в тестах и как запасной вариант, когда SQLite недоступен.
type Store struct {
	mu sync.RWMutex

	userID   string
	deviceID string
	now      func() time.Time

	collections map[string]map[string]change.Entity
	changes     []*change.Record
	changeIdx   map[string]int
	meta        *change.SyncMetadata

	pending   map[string]*change.PendingOperation
	conflicts map[string]*change.ConflictRecord

	backups        map[string]*change.MigrationBackup
	statuses       map[string]*change.MigrationStatus
	migrationQueue map[string]*change.MigrationRequest
}

// New создает пустое хранилище устройства
func New(userID, deviceID string) *Store {
	s := &Store{
		userID:   userID,
		deviceID: deviceID,
		now:      time.Now,
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.collections = make(map[string]map[string]change.Entity)
	for _, c := range change.Collections() {
		s.collections[c] = make(map[string]change.Entity)
	}
	s.changes = nil
	s.changeIdx = make(map[string]int)
	s.meta = nil
	s.pending = make(map[string]*change.PendingOperation)
	s.conflicts = make(map[string]*change.ConflictRecord)
	s.backups = make(map[string]*change.MigrationBackup)
	s.statuses = make(map[string]*change.MigrationStatus)
	s.migrationQueue = make(map[string]*change.MigrationRequest)
}

// SetClock подменяет источник времени
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) collection(name string) (change.EntityType, map[string]change.Entity, error) {
	entityType, err := change.EntityTypeForCollection(name)
	if err != nil {
		return "", nil, err
	}
	return entityType, s.collections[name], nil
}

// Find возвращает сущности коллекции, отсортированные по id
func (s *Store) Find(_ context.Context, collection string, q change.Query) ([]change.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, entities, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(sortedEntities(entities)), nil
}

// Create добавляет сущность и запись журнала
func (s *Store) Create(_ context.Context, collection string, e change.Entity) (*change.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entityType, entities, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := entities[e.ID]; ok {
		return nil, fmt.Errorf("%w: %s", change.ErrAlreadyExists, change.EntityKey(entityType, e.ID))
	}

	now := s.now()
	entity := change.Entity{ID: e.ID, Data: change.CloneData(e.Data), UpdatedAt: now, Version: max(e.Version, 0) + 1}
	entities[e.ID] = entity

	rec := change.NewRecord(change.OperationCreate, entityType, e.ID, entity.Data, nil, s.userID, s.deviceID, entity.Version, now)
	s.appendChange(rec)
	return rec.Clone(), nil
}

// Update применяет патч к найденным сущностям, по записи журнала на каждую
func (s *Store) Update(_ context.Context, collection string, q change.Query, patch map[string]any) ([]*change.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entityType, entities, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var records []*change.Record
	for _, e := range q.Apply(sortedEntities(entities)) {
		updated := change.Entity{ID: e.ID, Data: change.ApplyPatch(e.Data, patch), UpdatedAt: now, Version: e.Version + 1}
		entities[e.ID] = updated

		rec := change.NewRecord(change.OperationUpdate, entityType, e.ID, updated.Data, e.Data, s.userID, s.deviceID, updated.Version, now)
		s.appendChange(rec)
		records = append(records, rec.Clone())
	}
	return records, nil
}

// Delete удаляет найденные сущности, по записи журнала на каждую
func (s *Store) Delete(_ context.Context, collection string, q change.Query) ([]*change.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entityType, entities, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var records []*change.Record
	for _, e := range q.Apply(sortedEntities(entities)) {
		delete(entities, e.ID)

		rec := change.NewRecord(change.OperationDelete, entityType, e.ID, nil, e.Data, s.userID, s.deviceID, e.Version+1, now)
		s.appendChange(rec)
		records = append(records, rec.Clone())
	}
	return records, nil
}

// GetChangesSince возвращает записи журнала с отметкой времени не раньше since
func (s *Store) GetChangesSince(_ context.Context, since time.Time) ([]*change.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*change.Record
	for _, rec := range s.changes {
		if rec.Timestamp.Before(since) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetSyncMetadata возвращает метаданные устройства, пустые если синхронизации не было
func (s *Store) GetSyncMetadata(_ context.Context) (*change.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return change.NewSyncMetadata(s.userID, s.deviceID), nil
	}
	meta := *s.meta
	return &meta, nil
}

// UpdateSyncMetadata сохраняет метаданные, syncVersion и lastSyncAt не уменьшаются
func (s *Store) UpdateSyncMetadata(_ context.Context, meta *change.SyncMetadata) error {
	if meta == nil {
		return fmt.Errorf("%w: nil metadata", change.ErrInvalidChange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *meta
	if s.meta != nil {
		next.SyncVersion = max(next.SyncVersion, s.meta.SyncVersion)
		if s.meta.LastSyncAt.After(next.LastSyncAt) {
			next.LastSyncAt = s.meta.LastSyncAt
		}
	}
	s.meta = &next
	return nil
}

// ApplyChange записывает состояние сущности из записи журнала.
// Запись с уже известным id не применяется повторно.
func (s *Store) ApplyChange(_ context.Context, rec *change.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.changeIdx[rec.ID]; ok {
		return false, nil
	}

	entities := s.collections[rec.EntityType.Collection()]
	switch rec.Operation {
	case change.OperationDelete:
		delete(entities, rec.EntityID)
	default:
		version := rec.Version
		if existing, ok := entities[rec.EntityID]; ok {
			version = max(version, existing.Version)
		}
		entities[rec.EntityID] = change.Entity{
			ID:        rec.EntityID,
			Data:      change.CloneData(rec.Data),
			UpdatedAt: rec.Timestamp,
			Version:   version,
		}
	}

	s.appendChange(rec.Clone())
	return true, nil
}

// MarkChangesSynced переводит записи журнала в статус synced
func (s *Store) MarkChangesSynced(_ context.Context, ids []string) error {
	return s.setStatus(ids, change.StatusSynced)
}

// MarkChangesFailed переводит записи журнала в статус failed
func (s *Store) MarkChangesFailed(_ context.Context, ids []string) error {
	return s.setStatus(ids, change.StatusFailed)
}

func (s *Store) setStatus(ids []string, status change.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if i, ok := s.changeIdx[id]; ok {
			s.changes[i].SyncStatus = status
		}
	}
	return nil
}

// AddPendingOperation сохраняет операцию очереди, существующая с тем же id заменяется
func (s *Store) AddPendingOperation(_ context.Context, op *change.PendingOperation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("%w: pending operation without id", change.ErrInvalidChange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[op.ID] = clonePending(op)
	return nil
}

// GetPendingOperations возвращает операции очереди в порядке добавления
func (s *Store) GetPendingOperations(_ context.Context) ([]*change.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*change.PendingOperation, 0, len(s.pending))
	for _, op := range s.pending {
		out = append(out, clonePending(op))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdatePendingOperation обновляет учет попыток операции
func (s *Store) UpdatePendingOperation(_ context.Context, op *change.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[op.ID]; !ok {
		return fmt.Errorf("pending operation %s: %w", op.ID, change.ErrNotFound)
	}
	s.pending[op.ID] = clonePending(op)
	return nil
}

// MarkOperationComplete удаляет операцию из очереди
func (s *Store) MarkOperationComplete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
	return nil
}

// SaveConflict сохраняет конфликт
func (s *Store) SaveConflict(_ context.Context, c *change.ConflictRecord) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: conflict without id", change.ErrInvalidChange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

// GetConflict возвращает конфликт по id
func (s *Store) GetConflict(_ context.Context, id string) (*change.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", id, change.ErrNotFound)
	}
	return cloneConflict(c), nil
}

// ListConflicts возвращает конфликты по времени обнаружения
func (s *Store) ListConflicts(_ context.Context, unresolvedOnly bool) ([]*change.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*change.ConflictRecord
	for _, c := range s.conflicts {
		if unresolvedOnly && c.IsResolved {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SaveBackup сохраняет резервную копию миграции
func (s *Store) SaveBackup(_ context.Context, b *change.MigrationBackup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := *b
	backup.Data = append([]byte(nil), b.Data...)
	s.backups[b.ID] = &backup
	return nil
}

// GetBackup возвращает резервную копию по id
func (s *Store) GetBackup(_ context.Context, id string) (*change.MigrationBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backups[id]
	if !ok {
		return nil, fmt.Errorf("backup %s: %w", id, change.ErrNotFound)
	}
	backup := *b
	backup.Data = append([]byte(nil), b.Data...)
	return &backup, nil
}

// DeleteBackup удаляет резервную копию
func (s *Store) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.backups, id)
	return nil
}

// GetMigrationStatus возвращает статус миграции пользователя
func (s *Store) GetMigrationStatus(_ context.Context, userID string) (*change.MigrationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[userID]
	if !ok {
		return nil, fmt.Errorf("migration status %s: %w", userID, change.ErrNotFound)
	}
	status := *st
	return &status, nil
}

// SaveMigrationStatus сохраняет статус миграции
func (s *Store) SaveMigrationStatus(_ context.Context, st *change.MigrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := *st
	s.statuses[st.UserID] = &status
	return nil
}

// DeleteMigrationStatus удаляет статус миграции
func (s *Store) DeleteMigrationStatus(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.statuses, userID)
	return nil
}

// EnqueueMigration добавляет пользователя в очередь миграции
func (s *Store) EnqueueMigration(_ context.Context, r *change.MigrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := *r
	s.migrationQueue[r.UserID] = &req
	return nil
}

// ListMigrationQueue возвращает очередь миграции по приоритету, затем по времени
func (s *Store) ListMigrationQueue(_ context.Context) ([]*change.MigrationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*change.MigrationRequest, 0, len(s.migrationQueue))
	for _, r := range s.migrationQueue {
		req := *r
		out = append(out, &req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

// RemoveMigrationQueue удаляет пользователя из очереди миграции
func (s *Store) RemoveMigrationQueue(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.migrationQueue, userID)
	return nil
}

// ReplaceCollection заменяет содержимое коллекции без записей журнала
func (s *Store) ReplaceCollection(_ context.Context, collection string, entities []change.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.collection(collection); err != nil {
		return err
	}

	replaced := make(map[string]change.Entity, len(entities))
	for _, e := range entities {
		replaced[e.ID] = e.Clone()
	}
	s.collections[collection] = replaced
	return nil
}

// ResetState очищает все данные хранилища
func (s *Store) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Close ничего не освобождает
func (s *Store) Close() error {
	return nil
}

func (s *Store) appendChange(rec *change.Record) {
	s.changeIdx[rec.ID] = len(s.changes)
	s.changes = append(s.changes, rec)
}

func sortedEntities(entities map[string]change.Entity) []change.Entity {
	out := make([]change.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clonePending(op *change.PendingOperation) *change.PendingOperation {
	c := *op
	c.Change = op.Change.Clone()
	return &c
}

func cloneConflict(c *change.ConflictRecord) *change.ConflictRecord {
	out := *c
	out.LocalChange = c.LocalChange.Clone()
	out.ServerChange = c.ServerChange.Clone()
	out.Fields = append([]string(nil), c.Fields...)
	out.ResolvedValue = change.CloneData(c.ResolvedValue)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
