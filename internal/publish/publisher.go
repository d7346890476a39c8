package publish

import (
	"context"
	"errors"
	"fmt"

	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/store"
)

// StagingSuffix 追加在 live 集合名之后得到 staging 集合名
const StagingSuffix = "_tmp"

// ErrEmptyStaging 拒绝用空的 staging 覆盖 live
var ErrEmptyStaging = errors.New("staging dataset is empty, refusing to publish")

// Options 发布策略
type Options struct {
	// AllowEmpty 为 true 时允许用空 staging 覆盖 live
	AllowEmpty bool
}

// Publisher 是唯一修改 live 数据集的组件。Worker 只能通过 StageWrite 追加到 staging。
type Publisher struct {
	store store.Store
	opts  Options
}

func NewPublisher(s store.Store, opts Options) *Publisher {
	return &Publisher{store: s, opts: opts}
}

// StagingName 返回 live 集合对应的 staging 集合名
func StagingName(live string) string {
	return live + StagingSuffix
}

// StageWrite 追加一条记录到平台的 staging 集合，允许重复。
func (p *Publisher) StageWrite(ctx context.Context, src types.SourceConf, rec *types.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record for %s", src.Name)
	}
	if err := p.store.Insert(ctx, StagingName(src.Collection()), rec); err != nil {
		return fmt.Errorf("stage write for %s: %w", src.Name, err)
	}
	return nil
}

// StagedCount 返回 staging 中的记录数
func (p *Publisher) StagedCount(ctx context.Context, src types.SourceConf) (int64, error) {
	return p.store.Count(ctx, StagingName(src.Collection()), nil)
}

// ResetStaging 清空 staging，丢弃之前中断的运行留下的部分写入。
func (p *Publisher) ResetStaging(ctx context.Context, src types.SourceConf) error {
	if err := p.store.Drop(ctx, StagingName(src.Collection())); err != nil {
		return fmt.Errorf("reset staging for %s: %w", src.Name, err)
	}
	return nil
}

// Publish 原子地用 staging 替换 live 并清空 staging，返回发布的记录数。
// staging 为空且未允许空发布时返回 ErrEmptyStaging，live 保持不变。
func (p *Publisher) Publish(ctx context.Context, src types.SourceConf) (int64, error) {
	l := logger.WithComponent("Publisher")
	live := src.Collection()
	staging := StagingName(live)

	n, err := p.store.Count(ctx, staging, nil)
	if err != nil {
		return 0, fmt.Errorf("count staging for %s: %w", src.Name, err)
	}
	if n == 0 && !p.opts.AllowEmpty {
		l.Warn().Str("source", src.Name).Msg("Staging is empty, live dataset left untouched.")
		return 0, ErrEmptyStaging
	}

	if err := p.store.Swap(ctx, live, staging); err != nil {
		return 0, fmt.Errorf("publish %s: %w", src.Name, err)
	}
	l.Info().Str("source", src.Name).Str("collection", live).Int64("records", n).Msg("Published staging into live.")
	return n, nil
}
