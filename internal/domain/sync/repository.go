package sync

import (
	"context"
	"time"

	"clinsync/internal/domain/change"
)

// ApplyGuard проверяет последнее изменение сущности перед записью, latest равен nil
// для новой сущности. Guard может дополнить rec, ошибка guard отменяет запись.
type ApplyGuard func(rec, latest *change.Record) error

// Repository интерфейс для работы с синхронизацией
type Repository interface {
	// Журнал изменений
	GetChangesSince(ctx context.Context, userID string, since time.Time, excludeDevice string, limit int) ([]*StoredChange, error)
	CountChangesSince(ctx context.Context, userID string, since time.Time, excludeDevice string) (int, error)
	ChangeExists(ctx context.Context, changeID string) (bool, error)

	// ApplyChange сохраняет запись журнала и состояние сущности в одной транзакции.
	// Записи одного пользователя сериализуются, guard видит последнее изменение сущности
	// под той же блокировкой. Время получения назначает хранилище и растет в порядке фиксации.
	ApplyChange(ctx context.Context, userID string, rec *change.Record, guard ApplyGuard) error

	// Сущности
	FindEntities(ctx context.Context, userID string, entityType change.EntityType, q change.Query) ([]change.Entity, error)

	// Метаданные
	GetMetadata(ctx context.Context, userID string) (*change.SyncMetadata, error)
	UpsertMetadata(ctx context.Context, userID string, meta *change.SyncMetadata) (*change.SyncMetadata, error)

	// Устройства. Нулевой cursor не сдвигает сохраненный курсор
	TouchDevice(ctx context.Context, userID, deviceID string, cursor, syncedAt time.Time) error
	GetDevice(ctx context.Context, userID, deviceID string) (*DeviceInfo, error)

	// Конфликты
	SaveConflict(ctx context.Context, userID string, c *change.ConflictRecord) error
	GetConflict(ctx context.Context, userID, conflictID string) (*change.ConflictRecord, error)
	ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]*change.ConflictRecord, error)
	UpdateConflict(ctx context.Context, userID string, c *change.ConflictRecord) error
}
