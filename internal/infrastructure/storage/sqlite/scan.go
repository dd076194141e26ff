package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinsync/internal/domain/change"
)

// querier общий интерфейс *sql.DB и *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findEntities(ctx context.Context, q querier, collection, id string) ([]change.Entity, error) {
	query := `SELECT id, data, updated_at, version FROM entities WHERE collection = ?`
	args := []any{collection}
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var entities []change.Entity
	for rows.Next() {
		var e change.Entity
		var data string
		var updatedAt int64

		if err := rows.Scan(&e.ID, &data, &updatedAt, &e.Version); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сущности: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("ошибка парсинга данных сущности %s: %w", e.ID, err)
		}
		e.UpdatedAt = fromNano(updatedAt)

		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func upsertEntity(ctx context.Context, q querier, collection string, e change.Entity) error {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("ошибка сериализации данных сущности: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (collection, id, data, updated_at, version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE
		SET data = excluded.data, updated_at = excluded.updated_at, version = excluded.version
	`, collection, e.ID, string(raw), e.UpdatedAt.UnixNano(), e.Version)
	if err != nil {
		return fmt.Errorf("ошибка сохранения сущности: %w", err)
	}
	return nil
}

func insertChange(ctx context.Context, q querier, rec *change.Record) error {
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	previous, err := encodeData(rec.PreviousData)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO change_log (id, operation, entity_type, entity_id, data, previous_data,
		                        timestamp, user_id, device_id, sync_status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Operation, rec.EntityType, rec.EntityID, data, previous,
		rec.Timestamp.UnixNano(), rec.UserID, rec.DeviceID, rec.SyncStatus, rec.Version)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал изменений: %w", err)
	}
	return nil
}

func encodeData(data map[string]any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("ошибка сериализации данных: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeData(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(s.String), &data); err != nil {
		return nil, fmt.Errorf("ошибка парсинга данных: %w", err)
	}
	return data, nil
}

// getJSON читает одну JSON колонку, отсутствие строки дает change.ErrNotFound
func getJSON(ctx context.Context, q querier, query string, dst any, args ...any) error {
	var raw string
	err := q.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return change.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

// putJSON сериализует значение в последний параметр запроса
func putJSON(ctx context.Context, q querier, query string, v any, args ...any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, append(args, string(raw))...); err != nil {
		return fmt.Errorf("ошибка сохранения: %w", err)
	}
	return nil
}

func listJSON(ctx context.Context, q querier, query string, fn func(raw []byte) error) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn([]byte(raw)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
