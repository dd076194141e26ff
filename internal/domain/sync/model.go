package sync

import (
	"time"

	"clinsync/internal/domain/change"
)

// StoredChange запись журнала на сервере с временем получения.
// ReceivedAt назначает хранилище в порядке фиксации, оно служит курсором для pull.
type StoredChange struct {
	Record     *change.Record
	ReceivedAt time.Time
}

// DeviceInfo информация об устройстве пользователя
type DeviceInfo struct {
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	Cursor     time.Time `json:"cursor"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

// ServiceConfig конфигурация сервиса синхронизации
type ServiceConfig struct {
	PullLimit      int           `json:"pull_limit"`
	MaxPullLimit   int           `json:"max_pull_limit"`
	ConflictWindow time.Duration `json:"conflict_window"`
}

// DefaultServiceConfig возвращает конфигурацию по умолчанию
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		PullLimit:      500,
		MaxPullLimit:   5000,
		ConflictWindow: 5 * time.Minute,
	}
}
