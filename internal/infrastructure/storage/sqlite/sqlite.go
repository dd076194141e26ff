package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinsync/internal/domain/change"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store локальное хранилище устройства в файле SQLite
type Store struct {
	db       *sql.DB
	userID   string
	deviceID string
	now      func() time.Time
}

// New открывает базу по пути и создает таблицы
func New(path, userID, deviceID string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}
	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)

	s := &Store{db: db, userID: userID, deviceID: deviceID, now: time.Now}

	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}

	return s, nil
}

// SetClock подменяет источник времени
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (collection, id)
		);

		CREATE TABLE IF NOT EXISTS change_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			operation TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT,
			previous_data TEXT,
			timestamp INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			sync_status TEXT NOT NULL,
			version INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_change_log_timestamp ON change_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS sync_metadata (
			device_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			is_resolved BOOLEAN NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS migration_backups (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS migration_status (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS migration_queue (
			user_id TEXT PRIMARY KEY,
			priority INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
	`)

	return err
}

// Find возвращает сущности коллекции, отсортированные по id
func (s *Store) Find(ctx context.Context, collection string, q change.Query) ([]change.Entity, error) {
	if _, err := change.EntityTypeForCollection(collection); err != nil {
		return nil, err
	}
	entities, err := findEntities(ctx, s.db, collection, q.ID)
	if err != nil {
		return nil, err
	}
	return q.Apply(entities), nil
}

// Create добавляет сущность и запись журнала в одной транзакции
func (s *Store) Create(ctx context.Context, collection string, e change.Entity) (*change.Record, error) {
	entityType, err := change.EntityTypeForCollection(collection)
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var rec *change.Record
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := findEntities(ctx, tx, collection, e.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", change.ErrAlreadyExists, change.EntityKey(entityType, e.ID))
		}

		now := s.now()
		entity := change.Entity{ID: e.ID, Data: e.Data, UpdatedAt: now, Version: max(e.Version, 0) + 1}
		if err := upsertEntity(ctx, tx, collection, entity); err != nil {
			return err
		}

		rec = change.NewRecord(change.OperationCreate, entityType, e.ID, entity.Data, nil, s.userID, s.deviceID, entity.Version, now)
		return insertChange(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update применяет патч к найденным сущностям, по записи журнала на каждую
func (s *Store) Update(ctx context.Context, collection string, q change.Query, patch map[string]any) ([]*change.Record, error) {
	return s.mutate(ctx, collection, q, func(entityType change.EntityType, e change.Entity, now time.Time, tx *sql.Tx) (*change.Record, error) {
		updated := change.Entity{ID: e.ID, Data: change.ApplyPatch(e.Data, patch), UpdatedAt: now, Version: e.Version + 1}
		if err := upsertEntity(ctx, tx, collection, updated); err != nil {
			return nil, err
		}
		return change.NewRecord(change.OperationUpdate, entityType, e.ID, updated.Data, e.Data, s.userID, s.deviceID, updated.Version, now), nil
	})
}

// Delete удаляет найденные сущности, по записи журнала на каждую
func (s *Store) Delete(ctx context.Context, collection string, q change.Query) ([]*change.Record, error) {
	return s.mutate(ctx, collection, q, func(entityType change.EntityType, e change.Entity, now time.Time, tx *sql.Tx) (*change.Record, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND id = ?`, collection, e.ID); err != nil {
			return nil, fmt.Errorf("ошибка удаления сущности: %w", err)
		}
		return change.NewRecord(change.OperationDelete, entityType, e.ID, nil, e.Data, s.userID, s.deviceID, e.Version+1, now), nil
	})
}

type mutateFunc func(entityType change.EntityType, e change.Entity, now time.Time, tx *sql.Tx) (*change.Record, error)

func (s *Store) mutate(ctx context.Context, collection string, q change.Query, fn mutateFunc) ([]*change.Record, error) {
	entityType, err := change.EntityTypeForCollection(collection)
	if err != nil {
		return nil, err
	}

	var records []*change.Record
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		entities, err := findEntities(ctx, tx, collection, q.ID)
		if err != nil {
			return err
		}

		now := s.now()
		for _, e := range q.Apply(entities) {
			rec, err := fn(entityType, e, now, tx)
			if err != nil {
				return err
			}
			if err := insertChange(ctx, tx, rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetChangesSince возвращает записи журнала с отметкой времени не раньше since
func (s *Store) GetChangesSince(ctx context.Context, since time.Time) ([]*change.Record, error) {
	var sinceNano int64
	if !since.IsZero() {
		sinceNano = since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, entity_type, entity_id, data, previous_data,
		       timestamp, user_id, device_id, sync_status, version
		FROM change_log
		WHERE timestamp >= ?
		ORDER BY timestamp, seq
	`, sinceNano)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var records []*change.Record
	for rows.Next() {
		var rec change.Record
		var data, previous sql.NullString
		var ts int64

		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.EntityType, &rec.EntityID, &data, &previous,
			&ts, &rec.UserID, &rec.DeviceID, &rec.SyncStatus, &rec.Version); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи журнала: %w", err)
		}
		if rec.Data, err = decodeData(data); err != nil {
			return nil, err
		}
		if rec.PreviousData, err = decodeData(previous); err != nil {
			return nil, err
		}
		rec.Timestamp = fromNano(ts)

		records = append(records, &rec)
	}
	return records, rows.Err()
}

// GetSyncMetadata возвращает метаданные устройства, пустые если синхронизации не было
func (s *Store) GetSyncMetadata(ctx context.Context) (*change.SyncMetadata, error) {
	meta := change.NewSyncMetadata(s.userID, s.deviceID)
	err := getJSON(ctx, s.db, `SELECT data FROM sync_metadata WHERE device_id = ?`, meta, s.deviceID)
	if errors.Is(err, change.ErrNotFound) {
		return change.NewSyncMetadata(s.userID, s.deviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных: %w", err)
	}
	return meta, nil
}

// UpdateSyncMetadata сохраняет метаданные, syncVersion и lastSyncAt не уменьшаются
func (s *Store) UpdateSyncMetadata(ctx context.Context, meta *change.SyncMetadata) error {
	if meta == nil {
		return fmt.Errorf("%w: nil metadata", change.ErrInvalidChange)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		next := *meta

		var current change.SyncMetadata
		err := getJSON(ctx, tx, `SELECT data FROM sync_metadata WHERE device_id = ?`, &current, s.deviceID)
		switch {
		case err == nil:
			next.SyncVersion = max(next.SyncVersion, current.SyncVersion)
			if current.LastSyncAt.After(next.LastSyncAt) {
				next.LastSyncAt = current.LastSyncAt
			}
		case !errors.Is(err, change.ErrNotFound):
			return fmt.Errorf("ошибка чтения метаданных: %w", err)
		}

		return putJSON(ctx, tx, `INSERT OR REPLACE INTO sync_metadata (device_id, data) VALUES (?, ?)`, &next, s.deviceID)
	})
}

// ApplyChange записывает состояние сущности из записи журнала.
// Запись с уже известным id не применяется повторно.
func (s *Store) ApplyChange(ctx context.Context, rec *change.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	collection := rec.EntityType.Collection()

	applied := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM change_log WHERE id = ?)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("ошибка проверки записи журнала: %w", err)
		}
		if exists {
			return nil
		}

		if rec.Operation == change.OperationDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND id = ?`, collection, rec.EntityID); err != nil {
				return fmt.Errorf("ошибка удаления сущности: %w", err)
			}
		} else {
			existing, err := findEntities(ctx, tx, collection, rec.EntityID)
			if err != nil {
				return err
			}
			version := rec.Version
			if len(existing) > 0 {
				version = max(version, existing[0].Version)
			}
			entity := change.Entity{ID: rec.EntityID, Data: rec.Data, UpdatedAt: rec.Timestamp, Version: version}
			if err := upsertEntity(ctx, tx, collection, entity); err != nil {
				return err
			}
		}

		if err := insertChange(ctx, tx, rec); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// MarkChangesSynced переводит записи журнала в статус synced
func (s *Store) MarkChangesSynced(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, change.StatusSynced)
}

// MarkChangesFailed переводит записи журнала в статус failed
func (s *Store) MarkChangesFailed(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, change.StatusFailed)
}

func (s *Store) setStatus(ctx context.Context, ids []string, status change.Status) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE change_log SET sync_status = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("ошибка подготовки запроса: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, status, id); err != nil {
				return fmt.Errorf("ошибка обновления статуса записи %s: %w", id, err)
			}
		}
		return nil
	})
}

// AddPendingOperation сохраняет операцию очереди, существующая с тем же id заменяется
func (s *Store) AddPendingOperation(ctx context.Context, op *change.PendingOperation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("%w: pending operation without id", change.ErrInvalidChange)
	}
	return putJSON(ctx, s.db, `INSERT OR REPLACE INTO sync_queue (id, created_at, data) VALUES (?, ?, ?)`,
		op, op.ID, op.CreatedAt.UnixNano())
}

// GetPendingOperations возвращает операции очереди в порядке добавления
func (s *Store) GetPendingOperations(ctx context.Context) ([]*change.PendingOperation, error) {
	var ops []*change.PendingOperation
	err := listJSON(ctx, s.db, `SELECT data FROM sync_queue ORDER BY created_at, id`, func(raw []byte) error {
		var op change.PendingOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			return err
		}
		ops = append(ops, &op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}
	return ops, nil
}

// UpdatePendingOperation обновляет учет попыток операции
func (s *Store) UpdatePendingOperation(ctx context.Context, op *change.PendingOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("ошибка сериализации операции: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET data = ? WHERE id = ?`, string(raw), op.ID)
	if err != nil {
		return fmt.Errorf("ошибка обновления операции: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending operation %s: %w", op.ID, change.ErrNotFound)
	}
	return nil
}

// MarkOperationComplete удаляет операцию из очереди
func (s *Store) MarkOperationComplete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ошибка удаления операции: %w", err)
	}
	return nil
}

// SaveConflict сохраняет конфликт
func (s *Store) SaveConflict(ctx context.Context, c *change.ConflictRecord) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: conflict without id", change.ErrInvalidChange)
	}
	return putJSON(ctx, s.db, `INSERT OR REPLACE INTO conflicts (id, timestamp, is_resolved, data) VALUES (?, ?, ?, ?)`,
		c, c.ID, c.Timestamp.UnixNano(), c.IsResolved)
}

// GetConflict возвращает конфликт по id
func (s *Store) GetConflict(ctx context.Context, id string) (*change.ConflictRecord, error) {
	var c change.ConflictRecord
	if err := getJSON(ctx, s.db, `SELECT data FROM conflicts WHERE id = ?`, &c, id); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}
	return &c, nil
}

// ListConflicts возвращает конфликты по времени обнаружения
func (s *Store) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*change.ConflictRecord, error) {
	query := `SELECT data FROM conflicts ORDER BY timestamp, id`
	if unresolvedOnly {
		query = `SELECT data FROM conflicts WHERE is_resolved = 0 ORDER BY timestamp, id`
	}

	var out []*change.ConflictRecord
	err := listJSON(ctx, s.db, query, func(raw []byte) error {
		var c change.ConflictRecord
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфликтов: %w", err)
	}
	return out, nil
}

// SaveBackup сохраняет резервную копию миграции
func (s *Store) SaveBackup(ctx context.Context, b *change.MigrationBackup) error {
	return putJSON(ctx, s.db, `INSERT OR REPLACE INTO migration_backups (id, data) VALUES (?, ?)`, b, b.ID)
}

// GetBackup возвращает резервную копию по id
func (s *Store) GetBackup(ctx context.Context, id string) (*change.MigrationBackup, error) {
	var b change.MigrationBackup
	if err := getJSON(ctx, s.db, `SELECT data FROM migration_backups WHERE id = ?`, &b, id); err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return &b, nil
}

// DeleteBackup удаляет резервную копию
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM migration_backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ошибка удаления резервной копии: %w", err)
	}
	return nil
}

// GetMigrationStatus возвращает статус миграции пользователя
func (s *Store) GetMigrationStatus(ctx context.Context, userID string) (*change.MigrationStatus, error) {
	var st change.MigrationStatus
	if err := getJSON(ctx, s.db, `SELECT data FROM migration_status WHERE user_id = ?`, &st, userID); err != nil {
		return nil, fmt.Errorf("migration status %s: %w", userID, err)
	}
	return &st, nil
}

// SaveMigrationStatus сохраняет статус миграции
func (s *Store) SaveMigrationStatus(ctx context.Context, st *change.MigrationStatus) error {
	return putJSON(ctx, s.db, `INSERT OR REPLACE INTO migration_status (user_id, data) VALUES (?, ?)`, st, st.UserID)
}

// DeleteMigrationStatus удаляет статус миграции
func (s *Store) DeleteMigrationStatus(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM migration_status WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("ошибка удаления статуса миграции: %w", err)
	}
	return nil
}

// EnqueueMigration добавляет пользователя в очередь миграции
func (s *Store) EnqueueMigration(ctx context.Context, r *change.MigrationRequest) error {
	return putJSON(ctx, s.db, `INSERT OR REPLACE INTO migration_queue (user_id, priority, enqueued_at, data) VALUES (?, ?, ?, ?)`,
		r, r.UserID, r.Priority, r.EnqueuedAt.UnixNano())
}

// ListMigrationQueue возвращает очередь миграции по приоритету, затем по времени
func (s *Store) ListMigrationQueue(ctx context.Context) ([]*change.MigrationRequest, error) {
	var out []*change.MigrationRequest
	err := listJSON(ctx, s.db, `SELECT data FROM migration_queue ORDER BY priority DESC, enqueued_at`, func(raw []byte) error {
		var r change.MigrationRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди миграции: %w", err)
	}
	return out, nil
}

// RemoveMigrationQueue удаляет пользователя из очереди миграции
func (s *Store) RemoveMigrationQueue(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM migration_queue WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("ошибка удаления из очереди миграции: %w", err)
	}
	return nil
}

// ReplaceCollection заменяет содержимое коллекции без записей журнала
func (s *Store) ReplaceCollection(ctx context.Context, collection string, entities []change.Entity) error {
	if _, err := change.EntityTypeForCollection(collection); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("ошибка очистки коллекции: %w", err)
		}
		for _, e := range entities {
			if err := upsertEntity(ctx, tx, collection, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}
