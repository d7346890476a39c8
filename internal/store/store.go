package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidCollection 集合名不合法
var ErrInvalidCollection = errors.New("invalid collection name")

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Document 是从存储中读出的一条文档
type Document = map[string]any

// Condition 是一个字段不等条件。Path 用点号分隔嵌套字段，例如 "prices.gb"。
// 字段缺失时视为不等（与文档数据库的 $ne 语义一致）。
type Condition struct {
	Path     string
	NotEqual string
}

// Filter 中的所有条件同时成立
type Filter []Condition

// FindOptions 分页查询参数，Limit <= 0 表示不限制
type FindOptions struct {
	Filter Filter
	Skip   int
	Limit  int
}

// Store 是文档存储的抽象。集合在首次写入时创建；读取不存在的集合返回空结果。
type Store interface {
	// Insert 追加一条文档，不做唯一性约束
	Insert(ctx context.Context, collection string, doc any) error
	// Swap 原子地用 staging 替换 live，并留下一个空的 staging。
	// 并发读者只会看到替换前或替换后的 live。
	Swap(ctx context.Context, live, staging string) error
	// Drop 删除集合，集合不存在时不报错
	Drop(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string, f Filter) (int64, error)
	// Find 按插入顺序返回文档
	Find(ctx context.Context, collection string, opts FindOptions) ([]Document, error)
	Ping(ctx context.Context) error
	Close()
}

// ValidateCollection 检查集合名，只允许小写字母、数字和下划线。
func ValidateCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// SplitPath 把 "prices.gb" 拆成 ["prices", "gb"]
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// Lookup 在嵌套文档中按路径取字符串值，路径不存在或不是字符串时 ok 为 false。
func Lookup(doc Document, path string) (string, bool) {
	var cur any = doc
	for _, part := range SplitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// Match 判断文档是否满足过滤条件
func (f Filter) Match(doc Document) bool {
	for _, c := range f {
		if v, ok := Lookup(doc, c.Path); ok && v == c.NotEqual {
			return false
		}
	}
	return true
}
