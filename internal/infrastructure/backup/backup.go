// Package backup хранит копии резервных снимков миграции в S3 совместимом хранилище
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"clinsync/internal/domain/change"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/exp/slog"
)

const (
	prefix      = "backups"
	region      = "us-east-1"
	contentType = "application/json"
	noSuchKey   = "NoSuchKey"
)

// Config параметры подключения к хранилищу объектов
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Enabled сообщает, настроен ли архив
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Validate проверяет параметры подключения
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Bucket == "" {
		return fmt.Errorf("не задан bucket для резервных копий")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("не заданы ключи доступа к хранилищу резервных копий")
	}
	return nil
}

// Archive копии резервных снимков вне устройства
type Archive struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// New создает клиент хранилища. Соединение не устанавливается до первого запроса.
func New(cfg Config, log *slog.Logger) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		// MinIO игнорирует регион
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента хранилища: %w", err)
	}

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With(slog.String("component", "backup_archive")),
	}, nil
}

// ObjectKey путь объекта резервной копии
func ObjectKey(userID, backupID string) string {
	return path.Join(prefix, userID, backupID+".json")
}

// EnsureBucket создает bucket, если его еще нет
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("ошибка проверки bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}

	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("ошибка создания bucket %s: %w", a.bucket, err)
	}
	a.log.Info("Создан bucket для резервных копий", "bucket", a.bucket)
	return nil
}

// Put сохраняет резервную копию как есть, зашифрованные данные не расшифровываются
func (a *Archive) Put(ctx context.Context, b *change.MigrationBackup) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("ошибка сериализации резервной копии: %w", err)
	}

	key := ObjectKey(b.UserID, b.ID)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"checksum":  b.Checksum,
			"device-id": b.DeviceID,
		},
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки резервной копии %s: %w", key, err)
	}

	a.log.Debug("Резервная копия загружена", "key", key, "size", info.Size)
	return nil
}

// Get загружает резервную копию, отсутствующий объект дает change.ErrNotFound
func (a *Archive) Get(ctx context.Context, userID, backupID string) (*change.MigrationBackup, error) {
	key := ObjectKey(userID, backupID)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.objectError(key, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, a.objectError(key, err)
	}

	var b change.MigrationBackup
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("ошибка чтения резервной копии %s: %w", key, err)
	}
	return &b, nil
}

// Delete удаляет резервную копию
func (a *Archive) Delete(ctx context.Context, userID, backupID string) error {
	key := ObjectKey(userID, backupID)
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return a.objectError(key, err)
	}
	return nil
}

func (a *Archive) objectError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == noSuchKey {
		return fmt.Errorf("%w: %s", change.ErrNotFound, key)
	}
	return fmt.Errorf("ошибка доступа к %s: %w", key, err)
}
