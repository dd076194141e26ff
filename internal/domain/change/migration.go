package change

import "time"

// Поля происхождения, которыми мигратор помечает перенесенные сущности
const (
	FieldMigrated   = "_migrated"
	FieldMigratedAt = "_migratedAt"
	FieldMigratedBy = "_migratedBy"
)

// MigrationBackup резервная копия локальных коллекций перед миграцией
type MigrationBackup struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	Data      []byte    `json:"data"`
	Encrypted bool      `json:"encrypted"`
	Salt      string    `json:"salt,omitempty"`
	IV        string    `json:"iv,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Checksum  string    `json:"checksum"`
}

// MigrationState состояние миграции пользователя
type MigrationState string

const (
	MigrationInProgress MigrationState = "in_progress"
	MigrationCompleted  MigrationState = "completed"
	MigrationFailed     MigrationState = "failed"
	MigrationRolledBack MigrationState = "rolled_back"
)

// MigrationStatus запись коллекции migration_status
type MigrationStatus struct {
	UserID      string         `json:"userId"`
	State       MigrationState `json:"state"`
	BackupID    string         `json:"backupId,omitempty"`
	Migrated    int            `json:"migrated"`
	Total       int            `json:"total"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MigrationRequest запись коллекции migration_queue
type MigrationRequest struct {
	UserID     string    `json:"userId"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// IsMigrated сообщает, перенесена ли сущность
func IsMigrated(data map[string]any) bool {
	v, ok := data[FieldMigrated].(bool)
	return ok && v
}
