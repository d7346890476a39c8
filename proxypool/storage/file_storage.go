package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"storecrawl/internal/shared/logger"
	"storecrawl/proxypool/model"
)

// Storage 接口定义了代理列表持久化的行为。
type Storage interface {
	Load() ([]*model.Proxy, error)
	Save(proxies []*model.Proxy) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件，一行一个代理端点。
// 以 '#' 开头的行为注释。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 按文件顺序加载代理列表，重复的端点只保留第一次出现。
// 文件不存在时返回空列表，此时所有 Worker 使用直连会话。
func (fs *FileStorage) Load() ([]*model.Proxy, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy list file not found, running without proxies.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var proxies []*model.Proxy
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, err := model.Parse(line)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Skipping malformed line in proxy file.")
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		proxies = append(proxies, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy file '%s': %w", fs.filePath, err)
	}

	l.Info().Int("count", len(proxies)).Msg("Loaded proxies from file.")
	return proxies, nil
}

// Save 将代理列表写回文件，按 ID 排序。
func (fs *FileStorage) Save(proxies []*model.Proxy) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sorted := make([]*model.Proxy, len(proxies))
	copy(sorted, proxies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	var sb strings.Builder
	for _, p := range sorted {
		sb.WriteString(p.URL().String())
		sb.WriteString("\n")
	}

	if err := os.WriteFile(fs.filePath, []byte(sb.String()), 0o600); err != nil {
		return err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Int("count", len(sorted)).Msg("Saved proxies to file.")
	return nil
}
