package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"storecrawl/internal/shared/logger"
	"storecrawl/internal/store"
)

const undefinedTable = "42P01"

// Store 把每个集合映射为一张只有 JSONB 列的表。
// Swap 在一个事务中 DROP live 并把 staging RENAME 为 live，读者要么看到旧表要么看到新表。
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	ensured map[string]bool
}

var _ store.Store = (*Store)(nil)

// Open 建立连接池并检查连通性。
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := logger.WithComponent("Store/Postgres")
	l.Info().Int32("max_conns", cfg.MaxConns).Msg("Database connection pool established.")
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, ensured: make(map[string]bool)}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func createSQL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, doc JSONB NOT NULL)`, ident(name))
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

// ensure 创建集合表。并发的 CREATE TABLE IF NOT EXISTS 在 Postgres 中可能冲突，所以串行化。
func (s *Store) ensure(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[name] {
		return nil
	}
	if _, err := s.pool.Exec(ctx, createSQL(name)); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.ensured[name] = true
	return nil
}

func (s *Store) forget(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.ensured, n)
	}
}

func (s *Store) Insert(ctx context.Context, collection string, doc any) error {
	if err := store.ValidateCollection(collection); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := s.ensure(ctx, collection); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1)`, ident(collection))
	_, err = s.pool.Exec(ctx, query, data)
	if isUndefinedTable(err) {
		// 表在缓存之后被外部删除，重建一次
		s.forget(collection)
		if err := s.ensure(ctx, collection); err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, query, data)
	}
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Swap(ctx context.Context, live, staging string) error {
	if err := store.ValidateCollection(live); err != nil {
		return err
	}
	if err := store.ValidateCollection(staging); err != nil {
		return err
	}

	// 与 ensure 串行，避免与并发的建表交错
	s.mu.Lock()
	defer s.mu.Unlock()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		steps := []string{
			createSQL(staging),
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident(live)),
			fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, ident(staging), ident(live)),
			createSQL(staging),
		}
		for _, q := range steps {
			if _, err := tx.Exec(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		delete(s.ensured, live)
		delete(s.ensured, staging)
		return fmt.Errorf("failed to swap %s into %s: %w", staging, live, err)
	}
	s.ensured[live] = true
	s.ensured[staging] = true
	return nil
}

func (s *Store) Drop(ctx context.Context, collection string) error {
	if err := store.ValidateCollection(collection); err != nil {
		return err
	}
	s.forget(collection)
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident(collection))); err != nil {
		return fmt.Errorf("failed to drop %s: %w", collection, err)
	}
	return nil
}

// where 把过滤条件翻译为 SQL。IS DISTINCT FROM 让缺失字段也算作不等。
func where(f store.Filter) (string, []any) {
	if len(f) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(f))
	args := make([]any, 0, len(f)*2)
	for _, c := range f {
		args = append(args, store.SplitPath(c.Path), c.NotEqual)
		clauses = append(clauses, fmt.Sprintf("(doc #>> $%d::text[]) IS DISTINCT FROM $%d", len(args)-1, len(args)))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) Count(ctx context.Context, collection string, f store.Filter) (int64, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, err
	}
	cond, args := where(f)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+ident(collection)+cond, args...).Scan(&n)
	if isUndefinedTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (s *Store) Find(ctx context.Context, collection string, opts store.FindOptions) ([]store.Document, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return nil, err
	}
	cond, args := where(opts.Filter)
	query := `SELECT doc FROM ` + ident(collection) + cond + ` ORDER BY id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return []store.Document{}, nil
		}
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Document, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return nil, err
		}
		var d store.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		if isUndefinedTable(err) {
			return []store.Document{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	return docs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
