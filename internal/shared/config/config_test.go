package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleIni = `
[server]
listen = 0.0.0.0:8080
jwt_secret = fixed

[store]
driver = memory

[scheduler]
backoff_seconds = 5

[source.steam]
order = 4
interval = 10
workers = 100

[source.nintendo]
order = 1
workers = 10
regions = br, gb, jp

[source.playstation]
order = 2
workers = 200

[source.xbox]
order = 3
enabled = false
`

func TestLoadBytesOrdersSources(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleIni))
	require.NoError(t, err)

	var names []string
	for _, s := range cfg.Sources {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"nintendo", "playstation", "steam"}, names)

	nintendo, ok := cfg.Source("nintendo")
	require.True(t, ok)
	assert.Equal(t, []string{"br", "gb", "jp"}, nintendo.Regions)
	assert.Equal(t, 10*time.Second, nintendo.Interval)
	assert.Equal(t, "nintendo_games", nintendo.Collection())

	_, ok = cfg.Source("xbox")
	assert.False(t, ok, "disabled sources are not scheduled")
}

func TestLoadBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleIni))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
	assert.Equal(t, "admin", cfg.AdminUser)
	assert.Equal(t, 5*time.Second, cfg.Backoff())
	assert.Equal(t, 5*time.Second, cfg.StopTimeout())
	assert.Equal(t, DefaultMarker, cfg.Marker)
	assert.Equal(t, 3, cfg.ItemAttempts)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff())
	assert.True(t, cfg.ResetStaging)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL())
	assert.Equal(t, "fixed", cfg.JWTSecret)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORECRAWL_ADMIN_PASSWORD", "from-env")
	t.Setenv("STORECRAWL_MAX_CONNS", "7")

	cfg, err := LoadBytes([]byte(sampleIni))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AdminPassword)
	assert.Equal(t, 7, cfg.MaxConns)
}

func TestGeneratedSecretWhenUnset(t *testing.T) {
	cfg, err := LoadBytes([]byte("[store]\ndriver = memory\n[source.steam]\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.JWTSecret, 48)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no sources":       "[store]\ndriver = memory\n",
		"zero workers":     "[store]\ndriver = memory\n[source.steam]\nworkers = 0\n",
		"postgres w/o dsn": "[store]\ndriver = postgres\n[source.steam]\n",
		"unknown driver":   "[store]\ndriver = mongo\n[source.steam]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("STORECRAWL_DSN", "")
			_, err := LoadBytes([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "storecrawl.ini")
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(iniPath, []byte("[source.steam]\n"), 0o600))
	require.NoError(t, os.WriteFile(envPath, []byte("STORECRAWL_DSN=postgres://u:p@localhost/db\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("STORECRAWL_DSN") })

	cfg, err := Load(iniPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.DSN)
}

func TestLoadMissingDotEnvIsFine(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "storecrawl.ini")
	require.NoError(t, os.WriteFile(iniPath, []byte("[store]\ndriver = memory\n[source.steam]\n"), 0o600))

	_, err := Load(iniPath, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "storecrawl.ini"), "")
	require.NoError(t, err)

	var names []string
	for _, s := range cfg.Sources {
		names = append(names, s.Name)
		assert.Equal(t, 10*time.Second, s.Interval)
	}
	assert.Equal(t, []string{"nintendo", "playstation", "xbox", "steam"}, names)
	assert.Equal(t, DefaultMarker, cfg.Marker)
	assert.Equal(t, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36", cfg.ProxyConf.UserAgent)
	assert.Equal(t, "en-US,en;q=0.9", cfg.ProxyConf.AcceptLanguage)

	ps, ok := cfg.Source("playstation")
	require.True(t, ok)
	assert.Equal(t, 200, ps.Workers)
}

func TestSemicolonValuesAreKeptWhole(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
; full-line comments still work
[proxy]
user_agent = "Agent/1.0 (X11; Linux x86_64)"
accept_language = de-DE,de;q=0.8

[source.steam]
`))
	require.NoError(t, err)
	assert.Equal(t, "Agent/1.0 (X11; Linux x86_64)", cfg.ProxyConf.UserAgent)
	assert.Equal(t, "de-DE,de;q=0.8", cfg.ProxyConf.AcceptLanguage)
}
