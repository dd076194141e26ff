package change

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record запись журнала изменений, единица репликации между хранилищами
type Record struct {
	ID           string         `json:"id"`
	Operation    Operation      `json:"operation"`
	EntityType   EntityType     `json:"entityType"`
	EntityID     string         `json:"entityId"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousData map[string]any `json:"previousData,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"userId"`
	DeviceID     string         `json:"deviceId"`
	SyncStatus   Status         `json:"syncStatus"`
	Version      int64          `json:"version"`
}

// NewRecord создает запись журнала в статусе pending
func NewRecord(op Operation, entityType EntityType, entityID string, data, previous map[string]any, userID, deviceID string, version int64, at time.Time) *Record {
	return &Record{
		ID:           uuid.NewString(),
		Operation:    op,
		EntityType:   entityType,
		EntityID:     entityID,
		Data:         CloneData(data),
		PreviousData: CloneData(previous),
		Timestamp:    at,
		UserID:       userID,
		DeviceID:     deviceID,
		SyncStatus:   StatusPending,
		Version:      version,
	}
}

// Validate проверяет обязательные поля записи
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidChange)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChange)
	}
	if r.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidChange)
	}
	if r.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidChange)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidChange)
	}
	if err := r.Operation.Validate(); err != nil {
		return err
	}
	return r.EntityType.Validate()
}

// Key возвращает ключ сущности, которой касается изменение
func (r *Record) Key() string {
	return EntityKey(r.EntityType, r.EntityID)
}

// Clone возвращает глубокую копию записи
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = CloneData(r.Data)
	c.PreviousData = CloneData(r.PreviousData)
	return &c
}

// EntityKey ключ сущности вида type/id
func EntityKey(t EntityType, id string) string {
	return string(t) + "/" + id
}

// Entity состояние сущности в коллекции
type Entity struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Version   int64          `json:"version"`
}

// Clone возвращает глубокую копию сущности
func (e Entity) Clone() Entity {
	e.Data = CloneData(e.Data)
	return e
}

// PendingOperation изменение, ожидающее повторной отправки
type PendingOperation struct {
	ID          string    `json:"id"`
	Change      *Record   `json:"change"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxRetries  int       `json:"maxRetries"`
	CreatedAt   time.Time `json:"createdAt"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// SyncMetadata метаданные синхронизации устройства
type SyncMetadata struct {
	UserID           string    `json:"userId"`
	DeviceID         string    `json:"deviceId"`
	LastSyncAt       time.Time `json:"lastSyncAt"`
	LastLocalUpdate  time.Time `json:"lastLocalUpdate"`
	LastServerUpdate time.Time `json:"lastServerUpdate"`
	SyncVersion      int64     `json:"syncVersion"`
	Checksum         string    `json:"checksum"`
}

// NewSyncMetadata создает пустые метаданные для пользователя и устройства
func NewSyncMetadata(userID, deviceID string) *SyncMetadata {
	return &SyncMetadata{UserID: userID, DeviceID: deviceID}
}

// Advance продвигает метаданные после цикла синхронизации.
// SyncVersion никогда не уменьшается, LastSyncAt монотонен.
func (m *SyncMetadata) Advance(remoteVersion int64, cycleStart time.Time, checksum string) {
	m.SyncVersion = max(m.SyncVersion, remoteVersion) + 1
	if cycleStart.After(m.LastSyncAt) {
		m.LastSyncAt = cycleStart
	}
	m.Checksum = checksum
}

// ConflictRecord запись о конфликте, хранится для аудита
type ConflictRecord struct {
	ID                 string         `json:"id"`
	EntityType         EntityType     `json:"entityType"`
	EntityID           string         `json:"entityId"`
	LocalChange        *Record        `json:"localChange,omitempty"`
	ServerChange       *Record        `json:"serverChange,omitempty"`
	ConflictType       ConflictType   `json:"conflictType"`
	Fields             []string       `json:"fields,omitempty"`
	IsResolved         bool           `json:"isResolved"`
	ResolutionStrategy Strategy       `json:"resolutionStrategy,omitempty"`
	ResolvedValue      map[string]any `json:"resolvedValue,omitempty"`
	ResolvedBy         Actor          `json:"resolvedBy,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	ResolvedAt         *time.Time     `json:"resolvedAt,omitempty"`
}

// Key возвращает ключ сущности конфликта
func (c *ConflictRecord) Key() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// MarkResolved помечает конфликт разрешенным
func (c *ConflictRecord) MarkResolved(strategy Strategy, value map[string]any, by Actor, at time.Time) {
	c.IsResolved = true
	c.ResolutionStrategy = strategy
	c.ResolvedValue = CloneData(value)
	c.ResolvedBy = by
	c.ResolvedAt = &at
}
