package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"clinsync/internal/app/client/migrator"
	"clinsync/internal/app/client/queue"
	"clinsync/internal/app/client/rollout"
	"clinsync/internal/app/client/syncer"
	"clinsync/internal/infrastructure/backup"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath = ".env"

	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	defaultServerAddress = "localhost:8080"
	defaultConfigDir     = ".clinsync"
	defaultLogLevel      = "info"

	dataFile     = "clinsync.db"
	sessionFile  = "session.json"
	deviceIDFile = "device_id"
)

type Config struct {
	Env           string `mapstructure:"app_env"`
	ServerAddress string `mapstructure:"server_address"`
	EnableTLS     bool   `mapstructure:"enable_tls"`
	LogLevel      string `mapstructure:"log_level"`
	ConfigDir     string `mapstructure:"config_dir"`
	DataPath      string `mapstructure:"data_path"`
	SessionPath   string `mapstructure:"session_path"`
	// DeviceID постоянный идентификатор устройства, создается при первом запуске
	DeviceID string `mapstructure:"device_id"`
	// UserID владелец данных, по умолчанию берется из сессии
	UserID string `mapstructure:"user_id"`

	Sync      syncer.Config   `mapstructure:"sync"`
	Queue     queue.Config    `mapstructure:"queue"`
	Migration migrator.Config `mapstructure:"migration"`
	Rollout   rollout.Config  `mapstructure:"rollout"`
	RedisURL  string          `mapstructure:"redis_url"`
	Backup    backup.Config   `mapstructure:"backup"`
}

// MustLoad читает конфигурацию из окружения и .env, паникует при ошибке
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load(viper.GetViper())
	if err != nil {
		panic(fmt.Sprintf("Ошибка конфигурации: %v", err))
	}
	return cfg
}

// Load собирает конфигурацию из переданного viper
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	setDefaults(v)

	configDir := v.GetString("config_dir")
	if configDir == defaultConfigDir {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configDir = filepath.Join(home, configDir)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории конфигурации: %w", err)
	}

	cfg := &Config{
		Env:           v.GetString("app_env"),
		ServerAddress: v.GetString("server_address"),
		EnableTLS:     v.GetBool("enable_tls"),
		LogLevel:      v.GetString("log_level"),
		ConfigDir:     configDir,
		DataPath:      pathIn(configDir, v.GetString("data_path"), dataFile),
		SessionPath:   pathIn(configDir, v.GetString("session_path"), sessionFile),
		DeviceID:      v.GetString("device_id"),
		UserID:        v.GetString("user_id"),
		RedisURL:      v.GetString("redis_url"),
	}

	cfg.Queue = queue.DefaultConfig()
	cfg.Queue.MaxRetries = v.GetInt("sync_max_retries")
	cfg.Queue.BaseDelay = v.GetDuration("sync_base_delay")
	cfg.Queue.BackoffMultiplier = v.GetFloat64("sync_backoff_multiplier")
	cfg.Queue.MaxDelay = v.GetDuration("sync_max_delay")

	cfg.Sync = syncer.DefaultConfig()
	cfg.Sync.Interval = v.GetDuration("sync_interval")
	cfg.Sync.PushBatchSize = v.GetInt("sync_push_batch_size")
	cfg.Sync.PullLimit = v.GetInt("sync_pull_limit")
	cfg.Sync.Conflict.Window = v.GetDuration("sync_conflict_window")

	cfg.Migration = migrator.Config{
		BatchSize:     v.GetInt("migration_batch_size"),
		MaxAttempts:   v.GetInt("migration_max_attempts"),
		RetryDelay:    v.GetDuration("migration_retry_delay"),
		EncryptBackup: v.GetBool("migration_encrypt_backup"),
	}

	cfg.Rollout = rollout.Config{
		Enabled:       v.GetBool("rollout_enabled"),
		Percentage:    v.GetInt("rollout_percentage"),
		Include:       splitList(v.GetString("rollout_include")),
		Exclude:       splitList(v.GetString("rollout_exclude")),
		Cooldown:      v.GetDuration("rollout_cooldown"),
		MaxConcurrent: v.GetInt("rollout_max_concurrent"),
		DrainInterval: v.GetDuration("rollout_drain_interval"),
		SlotTTL:       v.GetDuration("rollout_slot_ttl"),
	}

	cfg.Backup = backup.Config{
		Endpoint:  v.GetString("backup_endpoint"),
		AccessKey: v.GetString("backup_access_key"),
		SecretKey: v.GetString("backup_secret_key"),
		Bucket:    v.GetString("backup_bucket"),
		UseSSL:    v.GetBool("backup_use_ssl"),
	}

	if cfg.DeviceID == "" {
		id, err := EnsureDeviceID(configDir)
		if err != nil {
			return nil, err
		}
		cfg.DeviceID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	s := syncer.DefaultConfig()
	m := migrator.DefaultConfig()
	r := rollout.DefaultConfig()

	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("server_address", defaultServerAddress)
	v.SetDefault("enable_tls", false)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("config_dir", defaultConfigDir)

	v.SetDefault("sync_interval", s.Interval)
	v.SetDefault("sync_push_batch_size", s.PushBatchSize)
	v.SetDefault("sync_pull_limit", s.PullLimit)
	v.SetDefault("sync_conflict_window", s.Conflict.Window)
	v.SetDefault("sync_max_retries", q.MaxRetries)
	v.SetDefault("sync_base_delay", q.BaseDelay)
	v.SetDefault("sync_backoff_multiplier", q.BackoffMultiplier)
	v.SetDefault("sync_max_delay", q.MaxDelay)

	v.SetDefault("migration_batch_size", m.BatchSize)
	v.SetDefault("migration_max_attempts", m.MaxAttempts)
	v.SetDefault("migration_retry_delay", m.RetryDelay)
	v.SetDefault("migration_encrypt_backup", m.EncryptBackup)

	v.SetDefault("rollout_enabled", r.Enabled)
	v.SetDefault("rollout_percentage", r.Percentage)
	v.SetDefault("rollout_cooldown", r.Cooldown)
	v.SetDefault("rollout_max_concurrent", r.MaxConcurrent)
	v.SetDefault("rollout_drain_interval", r.DrainInterval)
	v.SetDefault("rollout_slot_ttl", r.SlotTTL)
}

// Validate проверяет параметры и конфигурацию всех компонентов
func (c *Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("неизвестное окружение APP_ENV %q", c.Env)
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("SERVER_ADDRESS не может быть пустым")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("DEVICE_ID не может быть пустым")
	}

	return errors.Join(
		wrap("sync", c.Sync.Validate()),
		wrap("queue", c.Queue.Validate()),
		wrap("migration", c.Migration.Validate()),
		wrap("rollout", c.Rollout.Validate()),
		wrap("backup", c.Backup.Validate()),
	)
}

// IsProd проверяет, prod ли окружение
func (c *Config) IsProd() bool {
	return c.Env == EnvProd
}

// IsLocal проверяет, local ли окружение
func (c *Config) IsLocal() bool {
	return c.Env == EnvLocal || c.Env == ""
}

// EnsureDeviceID читает идентификатор устройства из директории конфигурации,
// при отсутствии создает новый
func EnsureDeviceID(configDir string) (string, error) {
	path := filepath.Join(configDir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ошибка чтения идентификатора устройства: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("ошибка сохранения идентификатора устройства: %w", err)
	}
	return id, nil
}

func pathIn(dir, value, fallback string) string {
	if value == "" {
		return filepath.Join(dir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(dir, value)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrap(section string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", section, err)
}
