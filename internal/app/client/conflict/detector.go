package conflict

import (
	"fmt"
	"time"

	"clinsync/internal/domain/change"
)

// Config параметры обнаружения конфликтов
type Config struct {
	// Window окно, в котором порядок изменений двух устройств считается недостоверным
	Window time.Duration `mapstructure:"window"`
}

// DefaultConfig окно 5 минут
func DefaultConfig() Config {
	return Config{Window: 5 * time.Minute}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.Window < 0 {
		return fmt.Errorf("окно конфликта не может быть отрицательным")
	}
	return nil
}

// LocalState известное устройству состояние сущности
type LocalState struct {
	// Entity текущее состояние, nil если сущности нет
	Entity *change.Entity
	// Pending последнее неотправленное изменение устройства, nil если его нет
	Pending *change.Record
}

// Detection результат проверки удаленного изменения
type Detection struct {
	Conflict bool
	Type     change.ConflictType
	Fields   []string
}

// Detector сравнивает удаленные изменения с локальным состоянием
type Detector struct {
	deviceID string
	window   time.Duration
}

// NewDetector создает детектор для устройства
func NewDetector(deviceID string, cfg Config) *Detector {
	return &Detector{deviceID: deviceID, window: cfg.Window}
}

// Detect классифицирует удаленное изменение.
// Изменения того же устройства и сущности без неотправленных правок никогда не конфликтуют.
func (d *Detector) Detect(remote *change.Record, local LocalState) Detection {
	if remote.DeviceID == d.deviceID || local.Pending == nil {
		return Detection{}
	}
	if local.Entity == nil && local.Pending.Operation != change.OperationDelete {
		return Detection{}
	}

	var localData map[string]any
	if local.Entity != nil {
		localData = local.Entity.Data
	}
	fields := change.DiffFields(localData, remote.Data)

	if remote.EntityType == change.EntitySession {
		return Detection{Conflict: true, Type: change.ConflictUserIntent, Fields: fields}
	}

	// Удаление на одной стороне и правка на другой решает только человек
	remoteDelete := remote.Operation == change.OperationDelete
	localDelete := local.Pending.Operation == change.OperationDelete
	if remoteDelete != localDelete {
		return Detection{Conflict: true, Type: change.ConflictUserIntent, Fields: fields}
	}
	if remoteDelete {
		return Detection{}
	}

	if d.overlaps(remote, local.Pending) || remote.Timestamp.Before(local.Entity.UpdatedAt) {
		return Detection{Conflict: true, Type: change.ConflictTimestamp, Fields: fields}
	}

	if change.DataChecksum(local.Entity.Data) == change.DataChecksum(remote.Data) {
		return Detection{}
	}
	if change.HasClinicalPath(fields) {
		return Detection{Conflict: true, Type: change.ConflictClinicalPriority, Fields: fields}
	}
	return Detection{Conflict: true, Type: change.ConflictFieldMerge, Fields: fields}
}

// overlaps сообщает, попадают ли изменения одной сущности с разных устройств
// в окно конфликта. Результат не зависит от порядка аргументов.
func (d *Detector) overlaps(a, b *change.Record) bool {
	if a.DeviceID == b.DeviceID || a.Key() != b.Key() {
		return false
	}
	return abs(a.Timestamp.Sub(b.Timestamp)) <= d.window
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
