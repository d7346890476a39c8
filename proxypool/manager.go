package proxypool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"storecrawl/internal/shared/logger"
	"storecrawl/proxypool/model"
	"storecrawl/proxypool/storage"
	"storecrawl/proxypool/validator"
)

// Manager 是代理池模块的总控制器：加载静态代理列表，并在每次作业运行时按 Worker 切分。
type Manager struct {
	storage   storage.Storage
	validator *validator.Validator
	proxies   []*model.Proxy
	mu        sync.RWMutex
}

// NewManager 创建代理池管理器。validator 可以为 nil，此时 Check 不可用。
func NewManager(storage storage.Storage, validator *validator.Validator) *Manager {
	return &Manager{
		storage:   storage,
		validator: validator,
	}
}

// Load 从存储重新加载代理列表，保持文件顺序。
func (m *Manager) Load() error {
	proxies, err := m.storage.Load()
	if err != nil {
		return fmt.Errorf("failed to load proxy list: %w", err)
	}
	m.mu.Lock()
	m.proxies = proxies
	m.mu.Unlock()
	return nil
}

// Proxies 返回当前代理列表的快照。
func (m *Manager) Proxies() []*model.Proxy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Proxy, len(m.proxies))
	copy(out, m.proxies)
	return out
}

// Check 并发探测所有代理，返回探测结果（顺序与列表一致）。
// 如果 prune 为 true，不健康的代理会从内存列表中移除（不写回文件）。
func (m *Manager) Check(ctx context.Context, prune bool) ([]*model.Proxy, error) {
	if m.validator == nil {
		return nil, fmt.Errorf("proxy validator not configured")
	}
	l := logger.WithComponent("ProxyPool/Manager")

	checked := m.validator.Validate(ctx, m.Proxies())
	healthy := 0
	for _, p := range checked {
		if p.Healthy {
			healthy++
		}
	}
	l.Info().Int("total", len(checked)).Int("healthy", healthy).Msg("Proxy check finished.")

	if prune {
		kept := make([]*model.Proxy, 0, healthy)
		for _, p := range checked {
			if p.Healthy {
				kept = append(kept, p)
			}
		}
		m.mu.Lock()
		m.proxies = kept
		m.mu.Unlock()
	}
	return checked, nil
}

// Partition 把 P 个代理切成 W 份：chunkSize = ceil(P/W)，第 i 份为 proxies[i*c : (i+1)*c]，
// 越界部分截断。P < W 时尾部的 Worker 拿到空切片。
func Partition(proxies []*model.Proxy, workers int) [][]*model.Proxy {
	if workers < 1 {
		workers = 1
	}
	out := make([][]*model.Proxy, workers)
	total := len(proxies)
	if total == 0 {
		return out
	}

	chunkSize := (total + workers - 1) / workers
	for i := 0; i < workers; i++ {
		start := i * chunkSize
		if start >= total {
			break
		}
		end := start + chunkSize
		if end > total {
			end = total
		}
		out[i] = proxies[start:end]
	}
	return out
}

// Chunk 是分配给单个 Worker 的代理子集，按请求轮转。
// 空 Chunk 的 Next 返回 nil，调用方应使用直连会话。
type Chunk struct {
	proxies []*model.Proxy
	next    atomic.Uint64
}

func NewChunk(proxies []*model.Proxy) *Chunk {
	return &Chunk{proxies: proxies}
}

// Next 返回下一个代理（round-robin）。
func (c *Chunk) Next() *model.Proxy {
	if c == nil || len(c.proxies) == 0 {
		return nil
	}
	n := c.next.Add(1) - 1
	return c.proxies[n%uint64(len(c.proxies))]
}
