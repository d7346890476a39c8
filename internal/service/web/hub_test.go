package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func lineStrings(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

func TestFileTailStartsAtEndAndSplitsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.log")
	appendFile(t, path, "old line\n")

	tail := newFileTail(path)
	defer tail.Close()

	lines, err := tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, lines)

	appendFile(t, path, "first\nsecond")
	lines, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, lineStrings(lines))

	// 不完整的行等换行符到达后才返回
	appendFile(t, path, " half\n")
	lines, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"second half"}, lineStrings(lines))
}

func TestFileTailHandlesTruncateAndReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scraper.log")
	appendFile(t, path, "a long line that will be truncated away\n")

	tail := newFileTail(path)
	defer tail.Close()

	require.NoError(t, os.WriteFile(path, []byte("after truncate\n"), 0o644))
	lines, err := tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"after truncate"}, lineStrings(lines))

	replacement := filepath.Join(dir, "scraper.log.new")
	require.NoError(t, os.WriteFile(replacement, []byte("from the new file\n"), 0o644))
	require.NoError(t, os.Rename(replacement, path))
	lines, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"from the new file"}, lineStrings(lines))
}

func TestFileTailWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.log")
	tail := newFileTail(path)
	defer tail.Close()

	lines, err := tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, lines)

	appendFile(t, path, "created later\n")
	lines, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"created later"}, lineStrings(lines))
}

func TestLogStreamDeliversAppendedLines(t *testing.T) {
	a := newAPIHarness(t)
	logPath := a.cfg.LogConf.File
	appendFile(t, logPath, `{"level":"info","message":"written before the stream"}`+"\n")

	hub := NewHub()
	ctx := t.Context()
	go hub.Run(ctx)
	hub.Follow(ctx, logPath, 20*time.Millisecond)

	srv := httptest.NewServer(NewMux(ctx, a.h, hub))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", a.token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// 另一个进程（调度进程）追加的行
	appendFile(t, logPath, `{"level":"info","component":"Crawl/Runner","message":"Job run started."}`+"\n")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Job run started.")
	assert.NotContains(t, string(msg), "written before the stream")

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsClientAfterFailedWrite(t *testing.T) {
	hub := NewHub()
	ctx := t.Context()
	go hub.Run(ctx)

	// 直接注册服务端连接，不启动读循环，只有写失败能把它移除
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	conn := <-serverConns
	hub.register <- conn
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	hub.broadcast <- []byte("line")
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
