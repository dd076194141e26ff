package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.Set("config_dir", t.TempDir())
	return v
}

func TestLoad_Defaults(t *testing.T) {
	v := newViper(t)
	dir := v.GetString("config_dir")

	cfg, err := Load(v)

	require.NoError(t, err)
	assert.Equal(t, EnvLocal, cfg.Env)
	assert.Equal(t, defaultServerAddress, cfg.ServerAddress)
	assert.Equal(t, filepath.Join(dir, dataFile), cfg.DataPath)
	assert.Equal(t, filepath.Join(dir, sessionFile), cfg.SessionPath)
	assert.NotEmpty(t, cfg.DeviceID)

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.PushBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Conflict.Window)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 100, cfg.Migration.BatchSize)
	assert.True(t, cfg.Migration.EncryptBackup)
	assert.False(t, cfg.Rollout.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Rollout.DrainInterval)
	assert.False(t, cfg.Backup.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	v := newViper(t)
	v.Set("app_env", EnvProd)
	v.Set("device_id", "device-a")
	v.Set("sync_interval", "1m")
	v.Set("sync_max_retries", 5)
	v.Set("sync_conflict_window", "30s")
	v.Set("rollout_enabled", true)
	v.Set("rollout_percentage", 25)
	v.Set("rollout_include", "alice, bob,,")
	v.Set("rollout_exclude", "mallory")
	v.Set("backup_endpoint", "localhost:9000")
	v.Set("backup_bucket", "clinsync")
	v.Set("backup_access_key", "minioadmin")
	v.Set("backup_secret_key", "minioadmin")

	cfg, err := Load(v)

	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, "device-a", cfg.DeviceID)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Sync.Conflict.Window)
	assert.True(t, cfg.Rollout.Enabled)
	assert.Equal(t, 25, cfg.Rollout.Percentage)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Rollout.Include)
	assert.Equal(t, []string{"mallory"}, cfg.Rollout.Exclude)
	assert.True(t, cfg.Backup.Enabled())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{name: "unknown env", key: "app_env", val: "staging"},
		{name: "empty server address", key: "server_address", val: ""},
		{name: "zero retries", key: "sync_max_retries", val: 0},
		{name: "zero push batch", key: "sync_push_batch_size", val: 0},
		{name: "rollout percentage", key: "rollout_percentage", val: 150},
		{name: "migration batch", key: "migration_batch_size", val: 0},
		{name: "backup without bucket", key: "backup_endpoint", val: "localhost:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.val)

			_, err := Load(v)

			assert.Error(t, err)
		})
	}
}

func TestEnsureDeviceID(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureDeviceID(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := EnsureDeviceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoad_DeviceIDStable(t *testing.T) {
	dir := t.TempDir()

	v1 := viper.New()
	v1.Set("config_dir", dir)
	cfg1, err := Load(v1)
	require.NoError(t, err)

	v2 := viper.New()
	v2.Set("config_dir", dir)
	cfg2, err := Load(v2)
	require.NoError(t, err)

	assert.Equal(t, cfg1.DeviceID, cfg2.DeviceID)
}
