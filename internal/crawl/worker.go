package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/proxypool/session"
)

// RetryPolicy 是抽取层的有界重试策略，每次重试换下一个代理。
type RetryPolicy struct {
	ItemAttempts   int
	PriceAttempts  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy 每个条目和每个区域最多尝试 3 次，退避上限 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ItemAttempts:   3,
		PriceAttempts:  3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context, attempts int) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Stager 接收 Worker 产出的记录
type Stager interface {
	StageWrite(ctx context.Context, src types.SourceConf, rec *types.Record) error
}

// WorkerResult 汇总一个 Worker 的处理结果
type WorkerResult struct {
	Worker    int
	Range     Range
	Extracted int
	Failed    int
}

// Worker 处理候选列表中的一个连续区间，持有自己的 Adapter 实例和代理 Chunk。
// 单个条目的失败被记录并跳过，不影响区间内的其他条目。
type Worker struct {
	id       int
	src      types.SourceConf
	adapter  source.Adapter
	regions  []source.Region
	sessions source.Sessions
	stager   Stager
	policy   RetryPolicy
	metrics  *Metrics
	log      zerolog.Logger
}

// Run 依次处理 items[r.Start:r.End]，上下文取消时提前返回。
func (w *Worker) Run(ctx context.Context, items []source.Candidate, r Range) WorkerResult {
	res := WorkerResult{Worker: w.id, Range: r}
	if r.Empty() {
		return res
	}

	w.log.Debug().Int("start", r.Start).Int("end", r.End).Msg("Worker started.")
	for i := r.Start; i < r.End; i++ {
		if ctx.Err() != nil {
			w.log.Info().Int("index", i).Msg("Worker cancelled.")
			break
		}
		c := items[i]
		if err := w.processItem(ctx, c); err != nil {
			res.Failed++
			outcome := "failed"
			if errors.Is(err, source.ErrNotFound) {
				outcome = "skipped"
			}
			w.metrics.item(w.src.Name, outcome)
			w.log.Warn().Err(err).Int("index", i).Str("item", c.ID).Msg("Item skipped.")
			continue
		}
		res.Extracted++
		w.metrics.item(w.src.Name, "extracted")
	}
	w.log.Info().Int("extracted", res.Extracted).Int("failed", res.Failed).Msg("Worker finished range.")
	return res
}

// processItem 抽取一个条目、补齐各区域价格并写入 staging。adapter 的 panic 被转为错误。
func (w *Worker) processItem(ctx context.Context, c source.Candidate) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("adapter panic on %s: %v", c.ID, p)
		}
	}()

	rec, err := w.extract(ctx, c)
	if err != nil {
		return err
	}

	for _, region := range w.regions {
		if _, done := rec.Prices[region.Key]; done {
			continue
		}
		rec.SetPrice(region.Key, w.price(ctx, c, region))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := w.stager.StageWrite(ctx, w.src, rec); err != nil {
		return err
	}
	return nil
}

// retry 运行 op 最多 attempts 次。只有可重试的错误（被拦截、5xx、网络错误）才会重试。
func (w *Worker) retry(ctx context.Context, attempts int, what string, op func(*session.Session) error) error {
	try := 0
	return backoff.RetryNotify(func() error {
		try++
		sess, err := w.sessions.Next()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := op(sess); err != nil {
			if session.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, w.policy.backOff(ctx, attempts), func(err error, wait time.Duration) {
		w.log.Debug().Err(err).Str("op", what).Int("attempt", try).Dur("wait", wait).Msg("Rotating proxy and retrying.")
	})
}

func (w *Worker) extract(ctx context.Context, c source.Candidate) (*types.Record, error) {
	var rec *types.Record
	err := w.retry(ctx, w.policy.ItemAttempts, "extract", func(sess *session.Session) error {
		r, err := w.adapter.ExtractItem(ctx, sess, c)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: adapter returned no record", source.ErrParse)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", c.ID, err)
	}
	return rec, nil
}

// price 返回一个区域的价格。重试预算用尽或不可重试的失败都记为 "Not Available"。
func (w *Worker) price(ctx context.Context, c source.Candidate, region source.Region) string {
	var price string
	err := w.retry(ctx, w.policy.PriceAttempts, "price", func(sess *session.Session) error {
		p, err := w.adapter.FetchRegionPrice(ctx, sess, c, region)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	switch {
	case err == nil && price != "" && price != types.PriceNotAvailable:
		w.metrics.price(w.src.Name, "ok")
		return price
	case err == nil || errors.Is(err, source.ErrNotFound):
		w.metrics.price(w.src.Name, "unavailable")
		if price == "" {
			price = types.PriceNotAvailable
		}
		return price
	default:
		w.metrics.price(w.src.Name, "failed")
		w.log.Debug().Err(err).Str("item", c.ID).Str("region", region.Key).Msg("Price lookup gave up.")
		return types.PriceNotAvailable
	}
}
