package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/chunkfusion/internal/registry"
)

// isolate points the user config at an empty temp dir and returns a
// project dir.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return t.TempDir()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 100, cfg.Search.DefaultLimit)
	assert.Nil(t, cfg.Search.SimilarityThreshold)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 5*time.Second, cfg.Search.GroupTimeoutDuration())
	assert.Equal(t, 0.9, cfg.Search.DedupeThreshold)
	assert.Equal(t, 1000, cfg.Search.MaxCandidates)
	assert.Equal(t, 2.0, cfg.Search.TitleBoost)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTLDuration())
	assert.Equal(t, 30*time.Second, cfg.Storage.GuardResetDuration())
	assert.Equal(t, "h1", cfg.Defaults.Fallback)
	require.Len(t, cfg.Defaults.Groups, 2)
	assert.Equal(t, "h1", cfg.Defaults.Groups[0].Strategy)
	assert.Equal(t, "paragraph", cfg.Defaults.Groups[1].Strategy)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Logging.File)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestLoad_ProjectFile_OverridesDefaults(t *testing.T) {
	// Given: a project config changing search and storage settings
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), `
storage:
  backend: sqlite
  sqlite_path: /tmp/cf.db
search:
  rrf_constant: 30
  similarity_threshold: 0
  group_timeout: 250ms
cache:
  ttl: 1m
`)

	// When: loading
	cfg, err := Load(dir)

	// Then: the file wins and unset fields keep their defaults
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/cf.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	require.NotNil(t, cfg.Search.SimilarityThreshold, "explicit zero is kept")
	assert.Equal(t, 0.0, *cfg.Search.SimilarityThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Search.GroupTimeoutDuration())
	assert.Equal(t, time.Minute, cfg.Cache.TTLDuration())
	assert.Equal(t, 100, cfg.Search.DefaultLimit)
}

func TestLoad_YmlExtension_IsRecognized(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yml"), "search:\n  default_limit: 7\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.DefaultLimit)
}

func TestLoad_YamlPreferredOverYml(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), "search:\n  default_limit: 7\n")
	writeFile(t, filepath.Join(dir, ".chunkfusion.yml"), "search:\n  default_limit: 9\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Search.DefaultLimit)
}

func TestLoad_DefaultsTableIsReplaced(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), `
defaults:
  fallback: sentence
  groups:
    - strategy: sentence
      name: Sentences
      embedding:
        provider: local
        model: mini
        dimension: 384
`)

	cfg, err := Load(dir)

	require.NoError(t, err)
	require.Len(t, cfg.Defaults.Groups, 1)
	reg := cfg.Defaults.Registry()
	assert.Equal(t, "sentence", reg.Fallback)
	require.Len(t, reg.Groups, 1)
	assert.Equal(t, 384, reg.Groups[0].EmbeddingConfig.Dimension)

	resolver, err := registry.NewDefaultGroups(reg)
	require.NoError(t, err)
	assert.Equal(t, "sentence", resolver.Fallback())
}

func TestLoad_InvalidFiles_ReturnError(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "search: [unclosed"},
		{"wrong type", "search:\n  default_limit: many\n"},
		{"unknown key", "search:\n  bm25_weight: 0.5\n"},
		{"unknown backend", "storage:\n  backend: redis\n"},
		{"postgres without dsn", "storage:\n  backend: postgres\n"},
		{"bad duration", "search:\n  group_timeout: soon\n"},
		{"negative timeout", "cache:\n  ttl: -1s\n"},
		{"threshold out of range", "search:\n  similarity_threshold: 1.5\n"},
		{"dedupe out of range", "search:\n  dedupe_threshold: 1.2\n"},
		{"negative limit", "search:\n  default_limit: -3\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"zero dimension", "defaults:\n  groups:\n    - strategy: h1\n      embedding:\n        dimension: 0\n"},
		{"fallback not in table", "defaults:\n  fallback: sentence\n"},
		{"duplicate strategy", "defaults:\n  groups:\n    - strategy: h1\n      embedding: {dimension: 3}\n    - strategy: h1\n      embedding: {dimension: 3}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), tt.content)

			_, err := Load(dir)

			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), "")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), "search:\n  rrf_constant: 30\n")
	t.Setenv("CHUNKFUSION_RRF_CONSTANT", "90")
	t.Setenv("CHUNKFUSION_SIMILARITY_THRESHOLD", "-0.25")
	t.Setenv("CHUNKFUSION_STORAGE_BACKEND", "SQLite")
	t.Setenv("CHUNKFUSION_LOG_LEVEL", "debug")
	t.Setenv("CHUNKFUSION_DEFAULT_LIMIT", "not-a-number")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Search.RRFConstant)
	require.NotNil(t, cfg.Search.SimilarityThreshold)
	assert.Equal(t, -0.25, *cfg.Search.SimilarityThreshold)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Search.DefaultLimit, "unparseable values are ignored")
}

func TestLoad_DotEnvFeedsOverrides(t *testing.T) {
	// Given: a .env file and an already exported variable
	dir := isolate(t)
	unsetEnv(t, "CHUNKFUSION_POSTGRES_DSN")
	unsetEnv(t, "CHUNKFUSION_STORAGE_BACKEND")
	t.Setenv("CHUNKFUSION_CACHE_TTL", "2m")
	writeFile(t, filepath.Join(dir, ".env"), `
CHUNKFUSION_STORAGE_BACKEND=postgres
CHUNKFUSION_POSTGRES_DSN=postgres://cf@localhost/cf
CHUNKFUSION_CACHE_TTL=9m
`)

	// When: loading
	cfg, err := Load(dir)

	// Then: .env fills gaps without overriding the exported value
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://cf@localhost/cf", cfg.Storage.PostgresDSN)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTLDuration())
}

func TestGetUserConfigPath(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	assert.Equal(t, filepath.Join(xdg, "chunkfusion", "config.yaml"), GetUserConfigPath())
	assert.Equal(t, filepath.Join(xdg, "chunkfusion"), GetUserConfigDir())
	assert.False(t, UserConfigExists())

	t.Setenv("XDG_CONFIG_HOME", "")
	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, filepath.Join(home, ".config", "chunkfusion", "config.yaml"), GetUserConfigPath())
	}
}

func TestLoad_Precedence(t *testing.T) {
	// Given: user config, project config and env all set the same fields
	dir := isolate(t)
	writeFile(t, GetUserConfigPath(), "search:\n  rrf_constant: 10\n  default_limit: 11\n  max_candidates: 12\n")
	writeFile(t, filepath.Join(dir, ".chunkfusion.yaml"), "search:\n  rrf_constant: 20\n  default_limit: 21\n")
	t.Setenv("CHUNKFUSION_RRF_CONSTANT", "30")

	cfg, err := Load(dir)

	// Then: env beats project beats user beats defaults
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.Equal(t, 21, cfg.Search.DefaultLimit)
	assert.Equal(t, 12, cfg.Search.MaxCandidates)
	assert.Equal(t, 0.9, cfg.Search.DedupeThreshold)
}

func TestLoad_InvalidUserConfig_ReturnsError(t *testing.T) {
	dir := isolate(t)
	writeFile(t, GetUserConfigPath(), "search: [")

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	dir := isolate(t)
	cfg := NewConfig()
	cfg.Storage.Backend = BackendSQLite
	cfg.Search.RRFConstant = 42
	threshold := 0.3
	cfg.Search.SimilarityThreshold = &threshold

	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ".chunkfusion.yaml")))
	loaded, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestUserConfigBackups(t *testing.T) {
	isolate(t)

	// no user config means nothing to back up
	path, err := BackupUserConfig()
	require.NoError(t, err)
	assert.Empty(t, path)

	// Given: a user config backed up more often than MaxBackups
	writeFile(t, GetUserConfigPath(), "search:\n  rrf_constant: 1\n")
	var made []string
	for range MaxBackups + 2 {
		p, err := BackupUserConfig()
		require.NoError(t, err)
		made = append(made, p)
		time.Sleep(2 * time.Millisecond)
	}

	// Then: only the newest MaxBackups remain, newest first
	backups, err := ListUserConfigBackups()
	require.NoError(t, err)
	require.Len(t, backups, MaxBackups)
	assert.Equal(t, made[len(made)-1], backups[0])

	// When: the config changes and a backup is restored
	writeFile(t, GetUserConfigPath(), "search:\n  rrf_constant: 2\n")
	require.NoError(t, RestoreUserConfig(backups[0]))

	// Then: the old content is back
	cfg, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Search.RRFConstant)
}

func TestRestoreUserConfig_RejectsInvalidBackup(t *testing.T) {
	isolate(t)
	bad := filepath.Join(t.TempDir(), "broken.bak")
	writeFile(t, bad, "nonsense: [")

	assert.Error(t, RestoreUserConfig(bad))
	assert.Error(t, RestoreUserConfig(filepath.Join(t.TempDir(), "missing.bak")))
}

func TestWriteUserConfig(t *testing.T) {
	isolate(t)

	// Given: no user config yet
	backup, err := WriteUserConfig(NewConfig(), false)
	require.NoError(t, err)
	assert.Empty(t, backup)
	assert.True(t, UserConfigExists())

	// When: writing again without overwrite
	_, err = WriteUserConfig(NewConfig(), false)

	// Then: the existing file is kept
	assert.ErrorIs(t, err, ErrUserConfigExists)

	// And: overwriting backs the old file up first
	cfg := NewConfig()
	cfg.Search.RRFConstant = 7
	backup, err = WriteUserConfig(cfg, true)
	require.NoError(t, err)
	assert.FileExists(t, backup)

	loaded, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Search.RRFConstant)
}
