package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storecrawl/internal/shared/types"
)

var (
	mu      sync.Mutex
	logFile *os.File
	out     = &swapWriter{w: zerolog.MultiLevelWriter(os.Stderr)}
)

func init() {
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// swapWriter 是所有 logger 共享的输出。Init 只替换其内部的 writer，
// 因此在 Init 之前通过 WithComponent 取得的 logger 也会写到新的输出。
type swapWriter struct {
	mu sync.RWMutex
	w  zerolog.LevelWriter
}

func (s *swapWriter) set(w zerolog.LevelWriter) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *swapWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.WriteLevel(level, p)
}

// Init initializes the global zerolog logger: console on stderr plus the append-only
// log file from cfg.File. Calling it again reopens the file and switches every
// existing logger over to it.
func Init(cfg types.LogConf) error {
	levelStr := strings.ToLower(cfg.Level)
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
		fmt.Printf("Unknown log level '%s', defaulting to 'info'\n", levelStr)
	}

	// Force all timestamps to be in UTC.
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}}

	var f *os.File
	if cfg.File != "" {
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", cfg.File, err)
		}
		writers = append(writers, f)
	}

	mu.Lock()
	old := logFile
	logFile = f
	out.set(zerolog.MultiLevelWriter(writers...))
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	// 级别走全局设置，已取得的 logger 同样生效
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Logger()

	log.Info().Str("file", cfg.File).Msgf("Logger initialized with level: %s", level.String())
	return nil
}

// Close 关闭日志文件，之后的日志只写到 stderr。
func Close() {
	mu.Lock()
	defer mu.Unlock()
	out.set(zerolog.MultiLevelWriter(os.Stderr))
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// 这对于在日志中区分不同模块或组件的输出非常有用。
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
