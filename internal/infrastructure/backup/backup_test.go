package backup

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "disabled",
			cfg:  Config{},
		},
		{
			name: "complete",
			cfg:  Config{Endpoint: "localhost:9000", Bucket: "clinsync", AccessKey: "minioadmin", SecretKey: "minioadmin"},
		},
		{
			name:    "missing bucket",
			cfg:     Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"},
			wantErr: true,
		},
		{
			name:    "missing keys",
			cfg:     Config{Endpoint: "localhost:9000", Bucket: "clinsync"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "backups/user-1/b-42.json", ObjectKey("user-1", "b-42"))
}

func TestNew(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("valid config", func(t *testing.T) {
		a, err := New(Config{
			Endpoint:  "localhost:9000",
			Bucket:    "clinsync",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
		}, log)

		require.NoError(t, err)
		assert.Equal(t, "clinsync", a.bucket)
		assert.NotNil(t, a.client)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := New(Config{Endpoint: "localhost:9000"}, log)
		assert.Error(t, err)
	})
}
