package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memCollection struct {
	mu   sync.RWMutex
	docs []Document
}

// Memory 是进程内的 Store 实现，用于测试和 driver=memory。
// Swap 在持有全局写锁时交换集合指针，因此对读者是原子的。
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

var _ Store = (*Memory)(nil)

// toDocument 经过一次 JSON 编解码，使内存中的文档与持久化后的形态一致。
func toDocument(doc any) (Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("document must encode to a json object: %w", err)
	}
	return out, nil
}

func (m *Memory) ensure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = &memCollection{}
	}
}

// Insert 在持有全局读锁时追加，保证不会与 Swap 交错。
func (m *Memory) Insert(ctx context.Context, collection string, doc any) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	d, err := toDocument(doc)
	if err != nil {
		return err
	}
	for {
		m.mu.RLock()
		c, ok := m.collections[collection]
		if ok {
			c.mu.Lock()
			c.docs = append(c.docs, d)
			c.mu.Unlock()
			m.mu.RUnlock()
			return nil
		}
		m.mu.RUnlock()
		m.ensure(collection)
	}
}

func (m *Memory) Swap(ctx context.Context, live, staging string) error {
	if err := ValidateCollection(live); err != nil {
		return err
	}
	if err := ValidateCollection(staging); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.collections[staging]
	if !ok {
		src = &memCollection{}
	}
	m.collections[live] = src
	m.collections[staging] = &memCollection{}
	return nil
}

func (m *Memory) Drop(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *Memory) Count(ctx context.Context, collection string, f Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(f) == 0 {
		return int64(len(c.docs)), nil
	}
	var n int64
	for _, d := range c.docs {
		if f.Match(d) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Find(ctx context.Context, collection string, opts FindOptions) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return []Document{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Document{}
	skipped := 0
	for _, d := range c.docs {
		if !opts.Filter.Match(d) {
			continue
		}
		if skipped < opts.Skip {
			skipped++
			continue
		}
		out = append(out, cloneDocument(d))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

// cloneDocument 复制顶层和嵌套的 map，调用方可以自由修改返回值
func cloneDocument(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneDocument(nested)
			continue
		}
		out[k] = v
	}
	return out
}
