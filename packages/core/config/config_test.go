package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return dir
}

func TestFindAndLoadConfig_Defaults(t *testing.T) {
	cfg, err := FindAndLoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultEnvironmentID}, cfg.EnvironmentIDs())
	require.NoError(t, cfg.Validate())

	env, err := cfg.ForEnvironment(DefaultEnvironmentID)
	require.NoError(t, err)
	assert.Equal(t, 1, env.ParallelLimit)
	assert.Equal(t, 0, env.SessionUseLimit)
	assert.Equal(t, 30*time.Second, env.Timeout)
}

func TestLoadConfig_Environments(t *testing.T) {
	t.Setenv("HITRUN_TEST_TOKEN", "s3cret")
	dir := writeConfig(t, "hitrun.yaml", `
retry: 2
sessionsPerEnvironment: 3
testsPerSession: 10
baseUrl: http://localhost:8080
headers:
  Authorization: Bearer ${HITRUN_TEST_TOKEN}
skip:
  - env: firefox
    title: flaky
    reason: tracked upstream
environments:
  chrome: {}
  firefox:
    retry: 0
    testsPerSession: 5
    timeout: 5000
    headers:
      User-Agent: firefox
`)

	cfg, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"chrome", "firefox"}, cfg.EnvironmentIDs())
	require.Len(t, cfg.Skip, 1)

	chrome, err := cfg.ForEnvironment("chrome")
	require.NoError(t, err)
	assert.Equal(t, Environment{
		ID:              "chrome",
		ParallelLimit:   3,
		SessionUseLimit: 10,
		Retry:           2,
		Timeout:         30 * time.Second,
		BaseURL:         "http://localhost:8080",
		Headers:         map[string]string{"Authorization": "Bearer s3cret"},
	}, chrome)

	firefox, err := cfg.ForEnvironment("firefox")
	require.NoError(t, err)
	assert.Equal(t, 0, firefox.Retry)
	assert.Equal(t, 5, firefox.SessionUseLimit)
	assert.Equal(t, 3, firefox.ParallelLimit)
	assert.Equal(t, 5*time.Second, firefox.Timeout)
	assert.Equal(t, "firefox", firefox.Headers["User-Agent"])
	assert.Equal(t, "Bearer s3cret", firefox.Headers["Authorization"])

	_, err = cfg.ForEnvironment("safari")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestLoadConfig_JSON(t *testing.T) {
	dir := writeConfig(t, "hitrun.json", `{"retry": 1, "environments": {"api": {"baseUrl": "http://api"}}}`)

	cfg, err := LoadConfig(filepath.Join(dir, "hitrun.json"))
	require.NoError(t, err)
	env, err := cfg.ForEnvironment("api")
	require.NoError(t, err)
	assert.Equal(t, 1, env.Retry)
	assert.Equal(t, "http://api", env.BaseURL)
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	dir := writeConfig(t, "hitrun.yaml", "retries: 3\n")
	_, err := FindAndLoadConfig(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no environments", func(c *Config) { c.Environments = nil }},
		{"negative retry", func(c *Config) { c.Retry = IntPtr(-1) }},
		{"negative env limit", func(c *Config) {
			c.Environments["default"] = Settings{TestsPerSession: IntPtr(-2)}
		}},
		{"negative launch rate", func(c *Config) { c.SessionLaunchRate = -1 }},
		{"bad skip pattern", func(c *Config) { c.Skip = []SkipRule{{Title: "("}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.Headers = map[string]string{"A": "1"}

	other := &Config{
		Settings: Settings{
			Retry:   IntPtr(4),
			Headers: map[string]string{"B": "2"},
		},
		NoColor:      BoolPtr(true),
		Environments: map[string]Settings{"chrome": {BaseURL: "http://c"}},
	}

	merged := base.Merge(other)
	assert.Equal(t, 4, *merged.Retry)
	assert.Equal(t, 1, *merged.SessionsPerEnvironment)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, merged.Headers)
	assert.True(t, merged.GetNoColor())
	assert.Equal(t, []string{"chrome", "default"}, merged.EnvironmentIDs())

	assert.Equal(t, map[string]string{"A": "1"}, base.Headers)
	assert.Same(t, base, base.Merge(nil))
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hitrun.yaml")
	cfg := DefaultConfig()
	cfg.BaseURL = "http://localhost:3000"
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", loaded.BaseURL)
	assert.Equal(t, cfg.EnvironmentIDs(), loaded.EnvironmentIDs())
}
