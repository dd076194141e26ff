package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinsync/internal/app/client/crypto"
	"clinsync/internal/domain/change"
	"clinsync/internal/infrastructure/storage"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
)

// ErrInProgress миграция уже выполняется в этом процессе
var ErrInProgress = errors.New("migration already in progress")

// Config параметры переноса локальных данных
type Config struct {
	// BatchSize сущностей в одном пакете
	BatchSize int `mapstructure:"batch_size"`
	// MaxAttempts попыток отправки одной сущности
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryDelay шаг линейной задержки между попытками
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	EncryptBackup bool          `mapstructure:"encrypt_backup"`
}

// DefaultConfig пакеты по 100, 3 попытки с шагом 1s, резервная копия шифруется
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		EncryptBackup: true,
	}
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("размер пакета миграции должен быть не меньше 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("число попыток миграции должно быть не меньше 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("задержка повтора не может быть отрицательной")
	}
	return nil
}

// Target принимает перенесенные сущности
type Target interface {
	Create(ctx context.Context, collection string, e change.Entity) (*change.Record, error)
}

// Archive копия резервного снимка вне устройства
type Archive interface {
	Put(ctx context.Context, b *change.MigrationBackup) error
}

// Migrator переносит локальные сущности пользователя на сервер
type Migrator struct {
	local   storage.Local
	target  Target
	enc     crypto.Encryptor
	archive Archive
	config  Config
	log     *slog.Logger

	userID   string
	deviceID string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	running sync.Mutex
}

// New создает мигратор. Шифровальщик обязателен, если резервная копия шифруется.
func New(local storage.Local, target Target, enc crypto.Encryptor, config Config, userID, deviceID string, log *slog.Logger) (*Migrator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация миграции: %w", err)
	}
	if config.EncryptBackup && enc == nil {
		return nil, fmt.Errorf("шифрование резервной копии включено, но шифровальщик не задан")
	}
	if userID == "" {
		return nil, fmt.Errorf("не задан пользователь миграции")
	}

	return &Migrator{
		local:    local,
		target:   target,
		enc:      enc,
		config:   config,
		log:      log.With(slog.String("component", "migrator"), slog.String("user_id", userID)),
		userID:   userID,
		deviceID: deviceID,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// SetArchive включает копирование резервных снимков в хранилище объектов
func (m *Migrator) SetArchive(a Archive) {
	m.archive = a
}

// SetClock подменяет источник времени
func (m *Migrator) SetClock(now func() time.Time) {
	m.now = now
}

// SetSleeper подменяет ожидание между попытками
func (m *Migrator) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

// UserID пользователь мигратора
func (m *Migrator) UserID() string {
	return m.userID
}

// Run выполняет миграцию. Уже перенесенные сущности пропускаются, поэтому
// повторный запуск безопасен. При неустранимой ошибке данные восстанавливаются
// из резервной копии и запись статуса удаляется.
func (m *Migrator) Run(ctx context.Context, password string) (*Report, error) {
	if !m.running.TryLock() {
		return nil, ErrInProgress
	}
	defer m.running.Unlock()

	report := &Report{UserID: m.userID, StartedAt: m.now()}

	if prev, err := m.local.GetMigrationStatus(ctx, m.userID); err == nil {
		m.log.Info("Найдена предыдущая миграция", "state", prev.State, "migrated", prev.Migrated)
	} else if !errors.Is(err, change.ErrNotFound) {
		return nil, fmt.Errorf("ошибка чтения статуса миграции: %w", err)
	}

	backup, err := m.createBackup(ctx, password)
	if err != nil {
		return nil, err
	}
	report.BackupID = backup.ID

	candidates, skipped, err := m.collect(ctx)
	if err != nil {
		return report, m.abort(ctx, report, backup, password, err)
	}
	report.Total = len(candidates) + len(skipped)
	for _, c := range skipped {
		report.add(c.item(OutcomeSkipped))
	}

	status := &change.MigrationStatus{
		UserID:    m.userID,
		State:     change.MigrationInProgress,
		BackupID:  backup.ID,
		Total:     len(candidates),
		StartedAt: report.StartedAt,
	}
	if err := m.local.SaveMigrationStatus(ctx, status); err != nil {
		return report, m.abort(ctx, report, backup, password, fmt.Errorf("ошибка сохранения статуса: %w", err))
	}

	m.log.Info("Миграция начата",
		"backup_id", backup.ID,
		"pending", len(candidates),
		"skipped", len(skipped),
	)

	for start := 0; start < len(candidates); start += m.config.BatchSize {
		end := min(start+m.config.BatchSize, len(candidates))
		for _, c := range candidates[start:end] {
			item, err := m.migrate(ctx, c)
			report.add(item)
			if err != nil {
				return report, m.abort(ctx, report, backup, password, err)
			}
		}

		status.Migrated = report.Migrated
		if err := m.local.SaveMigrationStatus(ctx, status); err != nil {
			return report, m.abort(ctx, report, backup, password, fmt.Errorf("ошибка сохранения статуса: %w", err))
		}
		m.log.Debug("Пакет перенесен", "from", start, "to", end)
	}

	completedAt := m.now()
	status.State = change.MigrationCompleted
	status.Migrated = report.Migrated
	status.CompletedAt = &completedAt
	if err := m.local.SaveMigrationStatus(ctx, status); err != nil {
		return report, fmt.Errorf("ошибка сохранения статуса: %w", err)
	}

	report.State = change.MigrationCompleted
	report.EndedAt = completedAt
	m.log.Info("Миграция завершена",
		"migrated", report.Migrated,
		"skipped", report.Skipped,
		"duration", report.Duration(),
	)
	return report, nil
}

// Rollback восстанавливает коллекции из резервной копии.
// Пустой backupID означает копию последней миграции.
func (m *Migrator) Rollback(ctx context.Context, backupID, password string) error {
	if !m.running.TryLock() {
		return ErrInProgress
	}
	defer m.running.Unlock()

	if backupID == "" {
		status, err := m.local.GetMigrationStatus(ctx, m.userID)
		if err != nil {
			return fmt.Errorf("ошибка чтения статуса миграции: %w", err)
		}
		backupID = status.BackupID
	}

	backup, err := m.local.GetBackup(ctx, backupID)
	if err != nil {
		return fmt.Errorf("резервная копия %s: %w", backupID, err)
	}
	return m.restore(ctx, backup, password)
}

// Status запись статуса миграции пользователя
func (m *Migrator) Status(ctx context.Context) (*change.MigrationStatus, error) {
	return m.local.GetMigrationStatus(ctx, m.userID)
}

type candidate struct {
	collection string
	entity     change.Entity
}

func (c candidate) item(outcome Outcome) ItemResult {
	return ItemResult{Collection: c.collection, EntityID: c.entity.ID, Outcome: outcome}
}

// collect разделяет сущности на ожидающие переноса и уже перенесенные
func (m *Migrator) collect(ctx context.Context) (pending, done []candidate, err error) {
	for _, coll := range change.Collections() {
		entities, err := m.local.Find(ctx, coll, change.Query{})
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка чтения коллекции %s: %w", coll, err)
		}
		for _, e := range entities {
			c := candidate{collection: coll, entity: e}
			if change.IsMigrated(e.Data) {
				done = append(done, c)
				continue
			}
			pending = append(pending, c)
		}
	}
	return pending, done, nil
}

// migrate отправляет одну сущность и помечает ее перенесенной после подтверждения
func (m *Migrator) migrate(ctx context.Context, c candidate) (ItemResult, error) {
	item := c.item(OutcomeMigrated)

	tagged := change.ApplyPatch(c.entity.Data, map[string]any{
		change.FieldMigrated:   true,
		change.FieldMigratedAt: m.now().UTC().Format(time.RFC3339),
		change.FieldMigratedBy: m.deviceID,
	})
	entity := change.Entity{ID: c.entity.ID, Data: tagged, Version: c.entity.Version}

	var ack *change.Record
	var err error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		item.Attempts = attempt
		ack, err = m.target.Create(ctx, c.collection, entity)
		if err == nil || !change.IsRetryable(err) || attempt == m.config.MaxAttempts {
			break
		}

		delay := m.config.RetryDelay * time.Duration(attempt)
		m.log.Warn("Сущность не перенесена, повтор",
			"collection", c.collection,
			"entity_id", c.entity.ID,
			"attempt", attempt,
			"delay", delay,
			sl.Err(err),
		)
		if serr := m.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}
	if err != nil {
		err = fmt.Errorf("перенос %s/%s: %w", c.collection, c.entity.ID, err)
		return item.failed(err), err
	}

	if change.DataChecksum(ack.Data) != change.DataChecksum(tagged) {
		err = fmt.Errorf("%w: %s/%s", change.ErrChecksumMismatch, c.collection, c.entity.ID)
		return item.failed(err), err
	}

	local := ack.Clone()
	local.Data = tagged
	local.SyncStatus = change.StatusSynced
	if _, err := m.local.ApplyChange(ctx, local); err != nil {
		err = fmt.Errorf("ошибка пометки %s/%s: %w", c.collection, c.entity.ID, err)
		return item.failed(err), err
	}

	m.log.Debug("Сущность перенесена", "collection", c.collection, "entity_id", c.entity.ID, "version", ack.Version)
	return item, nil
}

// abort откатывает миграцию и возвращает исходную причину
func (m *Migrator) abort(ctx context.Context, report *Report, backup *change.MigrationBackup, password string, cause error) error {
	reason := "error"
	if errors.Is(cause, change.ErrChecksumMismatch) {
		reason = change.ErrChecksumMismatch.Error()
	}
	m.log.Error("Миграция прервана", "reason", reason, "backup_id", backup.ID, sl.Err(cause))

	report.EndedAt = m.now()
	report.Error = cause.Error()

	if err := m.restore(ctx, backup, password); err != nil {
		report.State = change.MigrationFailed
		failed := &change.MigrationStatus{
			UserID:    m.userID,
			State:     change.MigrationFailed,
			BackupID:  backup.ID,
			Migrated:  report.Migrated,
			Total:     report.Total,
			StartedAt: report.StartedAt,
			Error:     cause.Error(),
		}
		if serr := m.local.SaveMigrationStatus(ctx, failed); serr != nil {
			m.log.Error("Не удалось сохранить статус миграции", sl.Err(serr))
		}
		return errors.Join(fmt.Errorf("миграция прервана: %w", cause), fmt.Errorf("откат не удался: %w", err))
	}

	report.State = change.MigrationRolledBack
	report.RolledBack = true
	return fmt.Errorf("миграция отменена, данные восстановлены: %w", cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
