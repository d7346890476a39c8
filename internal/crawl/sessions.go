package crawl

import (
	"sync"

	"storecrawl/proxypool"
	"storecrawl/proxypool/session"
)

// rotation 在一个代理 Chunk 上轮转会话，每个代理只建一个会话并复用。
// Chunk 为空时始终返回同一个直连会话。
type rotation struct {
	chunk *proxypool.Chunk
	opts  session.Options

	mu     sync.Mutex
	cache  map[string]*session.Session
	direct *session.Session
}

func newRotation(chunk *proxypool.Chunk, opts session.Options) *rotation {
	return &rotation{
		chunk: chunk,
		opts:  opts,
		cache: make(map[string]*session.Session),
	}
}

// Next 返回下一个代理上的会话
func (r *rotation) Next() (*session.Session, error) {
	p := r.chunk.Next()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p == nil {
		if r.direct == nil {
			s, err := session.New(nil, r.opts)
			if err != nil {
				return nil, err
			}
			r.direct = s
		}
		return r.direct, nil
	}

	if s, ok := r.cache[p.ID]; ok {
		return s, nil
	}
	s, err := session.New(p, r.opts)
	if err != nil {
		return nil, err
	}
	r.cache[p.ID] = s
	return s, nil
}

func (r *rotation) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.cache {
		s.Close()
	}
	if r.direct != nil {
		r.direct.Close()
	}
}
