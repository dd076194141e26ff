package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"
)

// SyncRepository реализация репозитория синхронизации для PostgreSQL
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewSyncRepository создает новый репозиторий синхронизации
func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With(slog.String("component", "sync_repository")),
	}
}

const changeColumns = `id, operation, entity_type, entity_id, data, previous_data,
	changed_at, device_id, version, received_at`

// GetChangesSince возвращает изменения пользователя, полученные сервером после since
func (r *SyncRepository) GetChangesSince(ctx context.Context, userID string, since time.Time, excludeDevice string, limit int) ([]*sync.StoredChange, error) {
	query := `
		SELECT ` + changeColumns + `
		FROM change_log
		WHERE user_id = $1 AND received_at > $2 AND device_id <> $3
		ORDER BY received_at, seq
		LIMIT $4`

	rows, err := r.pool.Query(ctx, query, userID, since.UTC(), excludeDevice, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []*sync.StoredChange
	for rows.Next() {
		sc, err := scanChange(rows, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return out, nil
}

func (r *SyncRepository) CountChangesSince(ctx context.Context, userID string, since time.Time, excludeDevice string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM change_log WHERE user_id = $1 AND received_at > $2 AND device_id <> $3`,
		userID, since.UTC(), excludeDevice).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

func (r *SyncRepository) ChangeExists(ctx context.Context, changeID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM change_log WHERE id = $1)`, changeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check change: %w", err)
	}
	return exists, nil
}

// changeLogLock класс advisory-блокировок журнала, второй ключ хэш пользователя
const changeLogLock = 0x5c0c

// ApplyChange сохраняет запись журнала и состояние сущности в одной транзакции.
// Повторная запись с тем же id ничего не меняет.
// Транзакции пользователя сериализуются advisory-блокировкой, поэтому received_at
// строго растет в порядке фиксации и курсор pull не пропускает поздние коммиты.
func (r *SyncRepository) ApplyChange(ctx context.Context, userID string, rec *change.Record, guard sync.ApplyGuard) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.log.Warn("Failed to rollback transaction", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, changeLogLock, userID); err != nil {
		return fmt.Errorf("failed to lock change log: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM change_log WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check change: %w", err)
	}
	if exists {
		return tx.Commit(ctx)
	}

	if guard != nil {
		latest, err := latestChange(ctx, tx, userID, rec.EntityType, rec.EntityID)
		if err != nil {
			return err
		}
		if err := guard(rec, latest); err != nil {
			return err
		}
	}

	data, err := marshalJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	previous, err := marshalJSON(rec.PreviousData)
	if err != nil {
		return fmt.Errorf("failed to encode previous data: %w", err)
	}

	// GREATEST пропускает NULL первой записи пользователя
	_, err = tx.Exec(ctx, `
		INSERT INTO change_log (id, user_id, operation, entity_type, entity_id, data, previous_data,
			changed_at, device_id, version, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			GREATEST(clock_timestamp(),
				(SELECT max(received_at) + interval '1 microsecond' FROM change_log WHERE user_id = $2)))`,
		rec.ID, userID, string(rec.Operation), string(rec.EntityType), rec.EntityID, data, previous,
		rec.Timestamp.UTC(), rec.DeviceID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}

	if rec.Operation == change.OperationDelete {
		_, err = tx.Exec(ctx,
			`DELETE FROM entities WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
			userID, string(rec.EntityType), rec.EntityID)
	} else {
		if data == nil {
			data = []byte("{}")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (user_id, entity_type, entity_id, data, version, updated_at, last_device)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, entity_type, entity_id) DO UPDATE SET
				data = EXCLUDED.data,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				last_device = EXCLUDED.last_device`,
			userID, string(rec.EntityType), rec.EntityID, data, rec.Version, rec.Timestamp.UTC(), rec.DeviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to write entity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit change: %w", err)
	}
	return nil
}

// latestChange последнее изменение сущности в журнале или nil
func latestChange(ctx context.Context, tx pgx.Tx, userID string, entityType change.EntityType, entityID string) (*change.Record, error) {
	query := `
		SELECT ` + changeColumns + `
		FROM change_log
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY seq DESC
		LIMIT 1`

	sc, err := scanChange(tx.QueryRow(ctx, query, userID, string(entityType), entityID), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sc.Record, nil
}

// FindEntities возвращает сущности типа, фильтр по полям применяется после выборки
func (r *SyncRepository) FindEntities(ctx context.Context, userID string, entityType change.EntityType, q change.Query) ([]change.Entity, error) {
	query := `
		SELECT entity_id, data, version, updated_at
		FROM entities
		WHERE user_id = $1 AND entity_type = $2 AND ($3 = '' OR entity_id = $3)
		ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query, userID, string(entityType), q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []change.Entity
	for rows.Next() {
		var e change.Entity
		var raw []byte
		if err := rows.Scan(&e.ID, &raw, &e.Version, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := unmarshalJSON(raw, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode entity %s: %w", e.ID, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	return q.Apply(entities), nil
}

// GetMetadata возвращает метаданные синхронизации пользователя
func (r *SyncRepository) GetMetadata(ctx context.Context, userID string) (*change.SyncMetadata, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, device_id, last_sync_at, last_local_update, last_server_update, sync_version, checksum
		FROM sync_metadata
		WHERE user_id = $1`, userID)

	meta, err := scanMetadata(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sync.ErrMetadataNotFound
	}
	return meta, err
}

// UpsertMetadata сохраняет метаданные, время и версия только растут
func (r *SyncRepository) UpsertMetadata(ctx context.Context, userID string, meta *change.SyncMetadata) (*change.SyncMetadata, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO sync_metadata (user_id, device_id, last_sync_at, last_local_update,
			last_server_update, sync_version, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			last_sync_at = GREATEST(sync_metadata.last_sync_at, EXCLUDED.last_sync_at),
			last_local_update = GREATEST(sync_metadata.last_local_update, EXCLUDED.last_local_update),
			last_server_update = GREATEST(sync_metadata.last_server_update, EXCLUDED.last_server_update),
			sync_version = GREATEST(sync_metadata.sync_version, EXCLUDED.sync_version),
			checksum = EXCLUDED.checksum,
			updated_at = NOW()
		RETURNING user_id, device_id, last_sync_at, last_local_update, last_server_update, sync_version, checksum`,
		userID, meta.DeviceID, nullTime(meta.LastSyncAt), nullTime(meta.LastLocalUpdate),
		nullTime(meta.LastServerUpdate), meta.SyncVersion, meta.Checksum,
	)

	return scanMetadata(row)
}

// TouchDevice обновляет курсор и время синхронизации устройства
func (r *SyncRepository) TouchDevice(ctx context.Context, userID, deviceID string, cursor, syncedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO devices (user_id, device_id, pull_cursor, last_sync_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			pull_cursor = GREATEST(devices.pull_cursor, EXCLUDED.pull_cursor),
			last_sync_at = GREATEST(devices.last_sync_at, EXCLUDED.last_sync_at)`,
		userID, deviceID, nullTime(cursor), nullTime(syncedAt))
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetDevice(ctx context.Context, userID, deviceID string) (*sync.DeviceInfo, error) {
	var cursor, lastSync *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT pull_cursor, last_sync_at FROM devices WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&cursor, &lastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sync.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &sync.DeviceInfo{
		UserID:     userID,
		DeviceID:   deviceID,
		Cursor:     derefTime(cursor),
		LastSyncAt: derefTime(lastSync),
	}, nil
}

// SaveConflict сохраняет новый конфликт
func (r *SyncRepository) SaveConflict(ctx context.Context, userID string, c *change.ConflictRecord) error {
	args, err := conflictArgs(c)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO conflicts (id, user_id, entity_type, entity_id, local_change, server_change,
			conflict_type, fields, is_resolved, resolution_strategy, resolved_value, resolved_by,
			created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		append([]any{c.ID, userID}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func (r *SyncRepository) GetConflict(ctx context.Context, userID, conflictID string) (*change.ConflictRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE user_id = $1 AND id = $2`, userID, conflictID)

	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sync.ErrConflictNotFound
	}
	return c, err
}

func (r *SyncRepository) ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]*change.ConflictRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE user_id = $1 AND (NOT $2 OR NOT is_resolved)
		ORDER BY created_at`, userID, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]*change.ConflictRecord, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return out, nil
}

func (r *SyncRepository) UpdateConflict(ctx context.Context, userID string, c *change.ConflictRecord) error {
	value, err := marshalJSON(c.ResolvedValue)
	if err != nil {
		return fmt.Errorf("failed to encode resolved value: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE conflicts SET
			is_resolved = $3,
			resolution_strategy = $4,
			resolved_value = $5,
			resolved_by = $6,
			resolved_at = $7
		WHERE user_id = $1 AND id = $2`,
		userID, c.ID, c.IsResolved, string(c.ResolutionStrategy), value, string(c.ResolvedBy), c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrConflictNotFound
	}
	return nil
}

const conflictColumns = `id, entity_type, entity_id, local_change, server_change, conflict_type, fields,
	is_resolved, resolution_strategy, resolved_value, resolved_by, created_at, resolved_at`

func conflictArgs(c *change.ConflictRecord) ([]any, error) {
	local, err := marshalJSON(c.LocalChange)
	if err != nil {
		return nil, fmt.Errorf("failed to encode local change: %w", err)
	}
	server, err := marshalJSON(c.ServerChange)
	if err != nil {
		return nil, fmt.Errorf("failed to encode server change: %w", err)
	}
	fields, err := marshalJSON(c.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	if fields == nil || string(fields) == "null" {
		fields = []byte("[]")
	}
	value, err := marshalJSON(c.ResolvedValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolved value: %w", err)
	}

	return []any{
		string(c.EntityType), c.EntityID, local, server, string(c.ConflictType), fields,
		c.IsResolved, string(c.ResolutionStrategy), value, string(c.ResolvedBy),
		c.Timestamp.UTC(), c.ResolvedAt,
	}, nil
}

func scanConflict(row pgx.Row) (*change.ConflictRecord, error) {
	var (
		c                            change.ConflictRecord
		entityType, conflictType     string
		strategy, resolvedBy         string
		local, server, fields, value []byte
	)

	err := row.Scan(&c.ID, &entityType, &c.EntityID, &local, &server, &conflictType, &fields,
		&c.IsResolved, &strategy, &value, &resolvedBy, &c.Timestamp, &c.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	c.EntityType = change.EntityType(entityType)
	c.ConflictType = change.ConflictType(conflictType)
	c.ResolutionStrategy = change.Strategy(strategy)
	c.ResolvedBy = change.Actor(resolvedBy)

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{local, &c.LocalChange},
		{server, &c.ServerChange},
		{fields, &c.Fields},
		{value, &c.ResolvedValue},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func scanChange(row pgx.Row, userID string) (*sync.StoredChange, error) {
	var (
		rec                  change.Record
		op, entityType       string
		data, previous       []byte
		receivedAt, changeAt time.Time
	)

	err := row.Scan(&rec.ID, &op, &entityType, &rec.EntityID, &data, &previous,
		&changeAt, &rec.DeviceID, &rec.Version, &receivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}

	rec.Operation = change.Operation(op)
	rec.EntityType = change.EntityType(entityType)
	rec.Timestamp = changeAt.UTC()
	rec.UserID = userID
	rec.SyncStatus = change.StatusSynced

	if err := unmarshalJSON(data, &rec.Data); err != nil {
		return nil, fmt.Errorf("failed to decode change %s: %w", rec.ID, err)
	}
	if err := unmarshalJSON(previous, &rec.PreviousData); err != nil {
		return nil, fmt.Errorf("failed to decode change %s: %w", rec.ID, err)
	}

	return &sync.StoredChange{Record: &rec, ReceivedAt: receivedAt.UTC()}, nil
}

func scanMetadata(row pgx.Row) (*change.SyncMetadata, error) {
	var (
		meta                            change.SyncMetadata
		lastSync, lastLocal, lastServer *time.Time
	)

	err := row.Scan(&meta.UserID, &meta.DeviceID, &lastSync, &lastLocal, &lastServer, &meta.SyncVersion, &meta.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
	}

	meta.LastSyncAt = derefTime(lastSync)
	meta.LastLocalUpdate = derefTime(lastLocal)
	meta.LastServerUpdate = derefTime(lastServer)
	return &meta, nil
}
