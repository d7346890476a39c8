package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storecrawl/internal/shared/config"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
)

func testConfig(t *testing.T, extra string) *types.Config {
	t.Helper()
	dir := t.TempDir()
	ini := `
[store]
driver = memory

[proxy]
file = ` + filepath.Join(dir, "proxies.txt") + `
timeout_seconds = 1

[source.steam]
order = 1
workers = 4
` + extra
	cfg, err := config.LoadBytes([]byte(ini))
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryStore(t *testing.T) {
	cfg := testConfig(t, "")
	a, err := New(t.Context(), cfg, "storecrawl.ini", "")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store().Ping(t.Context()))
	assert.Empty(t, a.proxies.Proxies())

	opts := a.runnerOptions()
	assert.Equal(t, 3, opts.Retry.ItemAttempts)
	assert.Equal(t, 30*time.Second, opts.Retry.MaxBackoff)
	assert.Equal(t, time.Second, opts.Session.Timeout)
	assert.True(t, opts.ResetStaging)
}

func TestNewRejectsUnknownSource(t *testing.T) {
	cfg := testConfig(t, "\n[source.epic]\nworkers = 2\n")
	_, err := New(t.Context(), cfg, "storecrawl.ini", "")
	assert.True(t, errors.Is(err, source.ErrUnknownSource))
}

func TestCrawlOnceUnknownSource(t *testing.T) {
	a, err := New(t.Context(), testConfig(t, ""), "storecrawl.ini", "")
	require.NoError(t, err)
	defer a.Close()

	_, err = a.CrawlOnce(t.Context(), "epic")
	assert.True(t, errors.Is(err, source.ErrUnknownSource))
}

func TestControllerArgsCarryConfigAndMarker(t *testing.T) {
	cfg := testConfig(t, "")
	a, err := New(t.Context(), cfg, "/etc/storecrawl.ini", "/etc/storecrawl.env")
	require.NoError(t, err)
	defer a.Close()

	ctl, err := a.Controller()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMarker, ctl.Marker())
}

func TestCheckProxiesPrunesAndSaves(t *testing.T) {
	cfg := testConfig(t, "")
	// 两个都指向关闭的端口，探测必然失败
	require.NoError(t, os.WriteFile(cfg.ProxyConf.File, []byte("http://127.0.0.1:1\nsocks5://127.0.0.1:2\n"), 0o600))

	a, err := New(t.Context(), cfg, "storecrawl.ini", "")
	require.NoError(t, err)
	defer a.Close()
	require.Len(t, a.proxies.Proxies(), 2)

	checked, err := a.CheckProxies(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, checked, 2)
	for _, p := range checked {
		assert.False(t, p.Healthy)
	}
	assert.Empty(t, a.proxies.Proxies())

	data, err := os.ReadFile(cfg.ProxyConf.File)
	require.NoError(t, err)
	assert.Empty(t, string(data))
}
