package storage

import (
	"context"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"
)

// Store общий контракт локального и удаленного хранилищ.
// Каждая мутация добавляет запись в журнал изменений.
type Store interface {
	Find(ctx context.Context, collection string, q change.Query) ([]change.Entity, error)
	Create(ctx context.Context, collection string, e change.Entity) (*change.Record, error)
	Update(ctx context.Context, collection string, q change.Query, patch map[string]any) ([]*change.Record, error)
	Delete(ctx context.Context, collection string, q change.Query) ([]*change.Record, error)

	GetChangesSince(ctx context.Context, since time.Time) ([]*change.Record, error)
	GetSyncMetadata(ctx context.Context) (*change.SyncMetadata, error)
	UpdateSyncMetadata(ctx context.Context, meta *change.SyncMetadata) error
}

// Local локальное долговременное хранилище устройства
type Local interface {
	Store

	// ApplyChange записывает состояние сущности без новой записи журнала.
	// Повторное применение той же записи ничего не меняет.
	ApplyChange(ctx context.Context, rec *change.Record) (bool, error)
	MarkChangesSynced(ctx context.Context, ids []string) error
	MarkChangesFailed(ctx context.Context, ids []string) error

	AddPendingOperation(ctx context.Context, op *change.PendingOperation) error
	GetPendingOperations(ctx context.Context) ([]*change.PendingOperation, error)
	UpdatePendingOperation(ctx context.Context, op *change.PendingOperation) error
	MarkOperationComplete(ctx context.Context, id string) error

	SaveConflict(ctx context.Context, c *change.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*change.ConflictRecord, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*change.ConflictRecord, error)

	SaveBackup(ctx context.Context, b *change.MigrationBackup) error
	GetBackup(ctx context.Context, id string) (*change.MigrationBackup, error)
	DeleteBackup(ctx context.Context, id string) error

	GetMigrationStatus(ctx context.Context, userID string) (*change.MigrationStatus, error)
	SaveMigrationStatus(ctx context.Context, s *change.MigrationStatus) error
	DeleteMigrationStatus(ctx context.Context, userID string) error

	EnqueueMigration(ctx context.Context, r *change.MigrationRequest) error
	ListMigrationQueue(ctx context.Context) ([]*change.MigrationRequest, error)
	RemoveMigrationQueue(ctx context.Context, userID string) error

	// ReplaceCollection заменяет содержимое коллекции без записей журнала
	ReplaceCollection(ctx context.Context, collection string, entities []change.Entity) error

	Close() error
}

// Remote хранилище за API синхронизации
type Remote interface {
	Store

	Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error)
	Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error)
	Status(ctx context.Context, deviceID string) (*sync.StatusResponse, error)
}
