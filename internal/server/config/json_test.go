package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	full := writeTempJSON(t, dir, "full.json", map[string]any{
		"http_addr":        "www.example:9000",
		"database_path":    "/srv/ops.sqlite",
		"attachments_dir":  "/srv/uploads",
		"work_dir":         "/srv/tmp",
		"secret_key":       "my_secret_key",
		"close_timeout":    "3s",
		"max_upload_size":  1024,
		"s3_root_user":     "user",
		"s3_root_password": "password",
		"s3_bucket":        "bucket",
		"s3_region":        "region",
		"s3_base_endpoint": "base_endpoint",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", full}

		cfg := &Config{}
		parseJson(cfg)

		assert.Equal(t, "www.example:9000", cfg.HTTPAddr)
		assert.Equal(t, "/srv/ops.sqlite", cfg.DatabasePath)
		assert.Equal(t, "/srv/uploads", cfg.AttachmentsDir)
		assert.Equal(t, "/srv/tmp", cfg.WorkDir)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 3*time.Second, cfg.CloseTimeout)
		assert.EqualValues(t, 1024, cfg.MaxUploadSize)
		assert.Equal(t, "bucket", cfg.S3Bucket)
		assert.True(t, cfg.MirrorEnabled())
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{"database_path": "other.sqlite"})
		os.Args = []string{"testbin", "-c", partial}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "other.sqlite", cfg.DatabasePath)
		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, 5*time.Second, cfg.CloseTimeout)
	})

	t.Run("no config flag → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{HTTPAddr: "defaults:1234", CloseTimeout: time.Second}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.HTTPAddr)
		assert.Equal(t, time.Second, cfg.CloseTimeout)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))
		os.Args = []string{"testbin", "-config", bad}

		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
