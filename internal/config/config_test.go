package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZFIT_DATA_DIR", dir)
	t.Setenv("ZFIT_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.NMinima)
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, "@every 6h", cfg.Archive.Schedule)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, 30*24*time.Hour, cfg.Archive.Retention())
	assert.Equal(t, filepath.Join(dir, "results.db"), cfg.DatabasePath())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("ZFIT_DATA_DIR", t.TempDir())
	t.Setenv("ZFIT_WORKERS", "6")
	t.Setenv("ZFIT_NMINIMA", "5")
	t.Setenv("ZFIT_PORT", "9100")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("ZFIT_ARCHIVE_BUCKET", "spectra")
	t.Setenv("ZFIT_HUB_URL", "ws://hub:7000/comm")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 5, cfg.NMinima)
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, "ws://hub:7000/comm", cfg.HubURL)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zfit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\narchive:\n  bucket: from-yaml\n  prefix: nightly\n"), 0o644))

	t.Setenv("ZFIT_DATA_DIR", dir)
	t.Setenv("ZFIT_NMINIMA", "4")
	t.Setenv("ZFIT_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 4, cfg.NMinima, "env value survives when the file omits it")
	assert.Equal(t, "from-yaml", cfg.Archive.Bucket)
	assert.Equal(t, "nightly", cfg.Archive.Prefix)
	assert.Equal(t, "@every 6h", cfg.Archive.Schedule)
}

func TestLoad_BadOverlay(t *testing.T) {
	t.Setenv("ZFIT_DATA_DIR", t.TempDir())
	t.Setenv("ZFIT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{Workers: 1, NMinima: 1, Port: 80}
	assert.NoError(t, valid.Validate())

	for _, c := range []Config{
		{Workers: 0, NMinima: 1, Port: 80},
		{Workers: 1, NMinima: 0, Port: 80},
		{Workers: 1, NMinima: 1, Port: 0},
		{Workers: 1, NMinima: 1, Port: 70000},
	} {
		assert.Error(t, c.Validate())
	}
}
