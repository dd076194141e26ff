package sync

import (
	"time"

	"clinsync/internal/domain/change"
)

// DTO (Data Transfer Objects) для API синхронизации

// PullRequest запрос на получение изменений других устройств
type PullRequest struct {
	UserID   string    `json:"userId,omitempty" doc:"Owner of the changes"`
	DeviceID string    `json:"deviceId" doc:"Requesting device, its own changes are excluded"`
	Since    time.Time `json:"since" example:"2024-01-01T12:00:00Z" format:"date-time"`
	Limit    int       `json:"limit,omitempty" minimum:"0" maximum:"5000"`
}

// PullResponse ответ с изменениями
type PullResponse struct {
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Changes    []*change.Record         `json:"changes"`
	Conflicts  []*change.ConflictRecord `json:"conflicts"`
	ServerTime time.Time                `json:"serverTime"`
	HasMore    bool                     `json:"hasMore,omitempty"`
}

// PushRequest пакет локальных изменений устройства
type PushRequest struct {
	UserID   string           `json:"userId,omitempty"`
	DeviceID string           `json:"deviceId"`
	Changes  []*change.Record `json:"changes"`
}

// PushResponse результат обработки пакета
type PushResponse struct {
	Status             string                   `json:"status"`
	Error              string                   `json:"error,omitempty"`
	ProcessedChangeIDs []string                 `json:"processedChangeIds"`
	Conflicts          []*change.ConflictRecord `json:"conflicts"`
	Errors             []string                 `json:"errors,omitempty"`
}

// StatusResponse сводка синхронизации устройства
type StatusResponse struct {
	Status              string    `json:"status"`
	Error               string    `json:"error,omitempty"`
	LastSyncAt          time.Time `json:"lastSyncAt"`
	PendingChanges      int       `json:"pendingChanges"`
	UnresolvedConflicts int       `json:"unresolvedConflicts"`
}

// MetadataResponse метаданные синхронизации пользователя
type MetadataResponse struct {
	Status string               `json:"status"`
	Error  string               `json:"error,omitempty"`
	Data   *change.SyncMetadata `json:"data,omitempty"`
}

// ConflictsResponse список конфликтов
type ConflictsResponse struct {
	Status string                   `json:"status"`
	Error  string                   `json:"error,omitempty"`
	Data   []*change.ConflictRecord `json:"data"`
}

// ResolveConflictRequest решение пользователя по конфликту
type ResolveConflictRequest struct {
	DeviceID string         `json:"deviceId,omitempty"`
	Choice   change.Choice  `json:"choice" enum:"local,server,custom"`
	Value    map[string]any `json:"value,omitempty"`
}

// ResolveConflictResponse результат разрешения конфликта
type ResolveConflictResponse struct {
	Status string                 `json:"status"`
	Error  string                 `json:"error,omitempty"`
	Data   *change.ConflictRecord `json:"data,omitempty"`
}

// EntitiesResponse результат поиска сущностей
type EntitiesResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   []change.Entity `json:"data"`
}

// MutationRequest мутация сущностей коллекции
type MutationRequest struct {
	DeviceID string         `json:"deviceId"`
	Entity   *change.Entity `json:"entity,omitempty"`
	Query    change.Query   `json:"query,omitempty"`
	Patch    map[string]any `json:"patch,omitempty"`
}

// MutationResponse записи журнала, созданные мутацией
type MutationResponse struct {
	Status  string           `json:"status"`
	Error   string           `json:"error,omitempty"`
	Changes []*change.Record `json:"changes"`
}
