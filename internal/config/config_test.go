// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/var/lib/hearth/hearth.db"
storage:
  endpoint: "https://media.example.com/upload"
uploads:
  concurrency: 5
  max_retries: 2
  backoff_base: "100ms"
typing:
  window: "3s"
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/hearth/hearth.db", cfg.Database.Path)
	assert.Equal(t, "https://media.example.com/upload", cfg.Storage.Endpoint)
	assert.Equal(t, 5, cfg.Uploads.Concurrency)
	assert.Equal(t, 2, cfg.Uploads.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Uploads.BackoffBase)
	assert.Equal(t, 3*time.Second, cfg.Typing.Window)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HEARTH_DB_PATH", "/tmp/test.db")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${HEARTH_DB_PATH}"
storage:
  endpoint: "https://media.example.com/upload"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${HEARTH_DEFINITELY_UNSET}"
storage:
  endpoint: "https://media.example.com/upload"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/test.db"
storage:
  endpoint: "https://media.example.com/upload"
typing:
  window: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typing.window")
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no http addr",
			yaml:    "database:\n  path: \"/tmp/x.db\"\nstorage:\n  endpoint: \"https://m\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "no database path",
			yaml:    "server:\n  http_addr: \":8080\"\nstorage:\n  endpoint: \"https://m\"\n",
			wantErr: "database.path",
		},
		{
			name:    "no storage endpoint",
			yaml:    "server:\n  http_addr: \":8080\"\ndatabase:\n  path: \"/tmp/x.db\"\n",
			wantErr: "storage.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	require.Error(t, err)
}
