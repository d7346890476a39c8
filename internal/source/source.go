package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"storecrawl/internal/shared/types"
	"storecrawl/internal/source/browser"
	"storecrawl/proxypool/model"
	"storecrawl/proxypool/session"
)

var (
	// ErrBlocked 对端的反爬响应，Worker 会换代理并退避重试。
	ErrBlocked = session.ErrBlocked
	// ErrNotFound 条目在平台上不可用，直接跳过，不重试。
	ErrNotFound = session.ErrNotFound
	// ErrParse 页面结构与预期不符。
	ErrParse = errors.New("unexpected page shape")
	// ErrUnknownSource 注册表中没有该平台。
	ErrUnknownSource = errors.New("unknown source")
)

// Candidate 是待抽取的一个目录条目引用，由 ListCandidates 产生，只被一个 Worker 消费一次。
type Candidate struct {
	ID    string            `json:"id"`
	URL   string            `json:"url,omitempty"`
	Title string            `json:"title,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"` // 列表阶段已经拿到的字段
}

// Region 是一个定价区域：Key 为记录中 prices 的小写键，Locale 为平台 URL 中使用的区域段。
type Region struct {
	Key    string
	Locale string
}

// ParseRegion 把 "en-gb" 解析为 {gb, en-gb}，把 "us" 解析为 {us, us}。
func ParseRegion(s string) Region {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, "-"); i >= 0 {
		return Region{Key: s[i+1:], Locale: s}
	}
	return Region{Key: s, Locale: s}
}

// ParseRegions 逐个调用 ParseRegion，忽略空项。
func ParseRegions(list []string) []Region {
	out := make([]Region, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, ParseRegion(s))
	}
	return out
}

// Sessions 按轮转顺序提供会话，每次调用返回下一个代理上的会话。
type Sessions interface {
	Next() (*session.Session, error)
}

// ListContext 是列表阶段可用的资源。列表在分片之前执行，因此可以使用整个代理池。
type ListContext struct {
	Sessions    Sessions
	Proxies     []*model.Proxy
	Parallelism int
	UserAgent   string
}

// Adapter 封装单个平台的抽取逻辑。每个 Worker 持有自己的实例，实例之间不共享可变状态；
// 如果实例持有外部资源（例如浏览器），应实现 io.Closer。
type Adapter interface {
	Name() string
	// Regions 返回默认的定价区域列表
	Regions() []Region
	// Headers 是该平台额外需要的请求头
	Headers() http.Header

	ListCandidates(ctx context.Context, lc ListContext) ([]Candidate, error)
	// ExtractItem 抽取除价格以外的字段；已顺带拿到的区域价格可以预先写入 Prices。
	ExtractItem(ctx context.Context, sess *session.Session, c Candidate) (*types.Record, error)
	// FetchRegionPrice 返回格式化价格或哨兵值；错误表示这次请求失败。
	FetchRegionPrice(ctx context.Context, sess *session.Session, c Candidate, region Region) (string, error)
}

// Env 构造 Adapter 实例所需的环境
type Env struct {
	Source  types.SourceConf
	Browser browser.Options
}

// Factory 为一个 Worker 创建一个新的 Adapter 实例
type Factory func(env Env) Adapter

// Registry 按名称保存各平台的 Factory。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New 创建名为 name 的 Adapter 实例。
func (r *Registry) New(name string, env Env) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return f(env), nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names 返回已注册的平台名（排序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegionsFor 返回实际要抓取的区域：配置中的覆盖优先，否则使用 Adapter 的默认值。
func RegionsFor(a Adapter, src types.SourceConf) []Region {
	if len(src.Regions) > 0 {
		return ParseRegions(src.Regions)
	}
	return a.Regions()
}

// TextOr 去掉首尾空白，空串时返回 fallback。
func TextOr(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}
