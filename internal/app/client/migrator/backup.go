package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"clinsync/internal/app/client/crypto"
	"clinsync/internal/domain/change"
	"clinsync/internal/utils/logger/sl"

	"github.com/google/uuid"
)

// snapshot содержимое всех коллекций сущностей
type snapshot map[string][]change.Entity

// createBackup сохраняет снимок коллекций и проверяет, что его можно прочитать обратно
func (m *Migrator) createBackup(ctx context.Context, password string) (*change.MigrationBackup, error) {
	if m.config.EncryptBackup && password == "" {
		return nil, fmt.Errorf("резервная копия шифруется: %w", crypto.ErrEmptyPassword)
	}

	snap := make(snapshot, len(change.Collections()))
	for _, coll := range change.Collections() {
		entities, err := m.local.Find(ctx, coll, change.Query{})
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения коллекции %s: %w", coll, err)
		}
		snap[coll] = entities
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации снимка: %w", err)
	}

	backup := &change.MigrationBackup{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		UserID:    m.userID,
		DeviceID:  m.deviceID,
		Data:      raw,
		Checksum:  change.ChecksumBytes(raw),
	}

	if m.config.EncryptBackup {
		env, err := m.enc.Encrypt(raw, password)
		if err != nil {
			return nil, fmt.Errorf("ошибка шифрования резервной копии: %w", err)
		}
		backup.Data = []byte(env.Encrypted)
		backup.Encrypted = true
		backup.Salt = env.Salt
		backup.IV = env.IV
		backup.Tag = env.Tag
	}

	if err := m.local.SaveBackup(ctx, backup); err != nil {
		return nil, fmt.Errorf("ошибка сохранения резервной копии: %w", err)
	}

	stored, err := m.local.GetBackup(ctx, backup.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения резервной копии: %w", err)
	}
	if _, err := m.decode(stored, password); err != nil {
		m.log.Error("Резервная копия повреждена", "backup_id", backup.ID, sl.Err(err))
		return nil, err
	}

	if m.archive != nil {
		if err := m.archive.Put(ctx, backup); err != nil {
			m.log.Warn("Не удалось скопировать резервную копию в хранилище", "backup_id", backup.ID, sl.Err(err))
		}
	}

	m.log.Info("Резервная копия создана",
		"backup_id", backup.ID,
		"encrypted", backup.Encrypted,
		"size", len(raw),
	)
	return backup, nil
}

// decode расшифровывает копию и сверяет контрольную сумму открытого текста
func (m *Migrator) decode(b *change.MigrationBackup, password string) (snapshot, error) {
	raw := b.Data
	if b.Encrypted {
		if m.enc == nil {
			return nil, fmt.Errorf("резервная копия %s зашифрована, шифровальщик не задан", b.ID)
		}
		plain, err := m.enc.Decrypt(&crypto.Envelope{
			Encrypted: string(b.Data),
			Salt:      b.Salt,
			IV:        b.IV,
			Tag:       b.Tag,
		}, password)
		if err != nil {
			return nil, fmt.Errorf("ошибка расшифровки резервной копии %s: %w", b.ID, err)
		}
		raw = plain
	}

	if change.ChecksumBytes(raw) != b.Checksum {
		return nil, fmt.Errorf("%w: резервная копия %s", change.ErrChecksumMismatch, b.ID)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("ошибка чтения снимка %s: %w", b.ID, err)
	}
	return snap, nil
}

// restore заменяет все коллекции содержимым копии и удаляет статус миграции
func (m *Migrator) restore(ctx context.Context, b *change.MigrationBackup, password string) error {
	snap, err := m.decode(b, password)
	if err != nil {
		return err
	}

	for _, coll := range change.Collections() {
		if err := m.local.ReplaceCollection(ctx, coll, snap[coll]); err != nil {
			return fmt.Errorf("ошибка восстановления коллекции %s: %w", coll, err)
		}
	}

	if err := m.local.DeleteMigrationStatus(ctx, m.userID); err != nil && !errors.Is(err, change.ErrNotFound) {
		return fmt.Errorf("ошибка удаления статуса миграции: %w", err)
	}

	m.log.Error("Миграция откатена", "backup_id", b.ID)
	return nil
}
