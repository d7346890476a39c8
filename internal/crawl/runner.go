package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storecrawl/internal/publish"
	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/internal/source/browser"
	"storecrawl/proxypool"
	"storecrawl/proxypool/model"
	"storecrawl/proxypool/session"
)

// ErrNoCandidates 列表阶段没有拿到任何候选，作业在写 staging 之前中止
var ErrNoCandidates = errors.New("no candidate items")

// Outcome 作业运行结果
type Outcome string

const (
	Completed Outcome = "completed"
	Aborted   Outcome = "aborted"
)

// ProxySource 提供当前的静态代理列表
type ProxySource interface {
	Proxies() []*model.Proxy
}

// Publisher 是 Runner 需要的发布能力
type Publisher interface {
	Stager
	ResetStaging(ctx context.Context, src types.SourceConf) error
	Publish(ctx context.Context, src types.SourceConf) (int64, error)
}

// Options Runner 的可调参数
type Options struct {
	Session         session.Options
	Browser         browser.Options
	Retry           RetryPolicy
	ResetStaging    bool
	ListParallelism int
}

// Report 描述一次作业运行，不做持久化
type Report struct {
	RunID      string
	Source     string
	Candidates int
	Workers    int
	Extracted  int
	Failed     int
	Published  int64
	Outcome    Outcome
	Duration   time.Duration
}

// Runner 执行一个平台的一次作业：列出候选、切分、并行抽取、汇合后发布。
type Runner struct {
	registry  *source.Registry
	proxies   ProxySource
	publisher Publisher
	opts      Options
	metrics   *Metrics
}

func NewRunner(registry *source.Registry, proxies ProxySource, publisher Publisher, opts Options, metrics *Metrics) *Runner {
	return &Runner{
		registry:  registry,
		proxies:   proxies,
		publisher: publisher,
		opts:      opts,
		metrics:   metrics,
	}
}

var _ Publisher = (*publish.Publisher)(nil)

func (r *Runner) sessionOptions(a source.Adapter) session.Options {
	opts := r.opts.Session
	opts.Headers = a.Headers()
	return opts
}

func closeAdapter(a source.Adapter) {
	if c, ok := a.(io.Closer); ok {
		_ = c.Close()
	}
}

// Run 执行一次作业。返回错误时 live 数据集未被修改。
func (r *Runner) Run(ctx context.Context, src types.SourceConf) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Source: src.Name, Workers: src.Workers, Outcome: Aborted}
	l := logger.WithComponent("Crawl/Runner").With().Str("source", src.Name).Str("run_id", report.RunID).Logger()

	finish := func(err error) (*Report, error) {
		report.Duration = time.Since(start)
		r.metrics.run(src.Name, report.Outcome, report.Duration)
		return report, err
	}

	env := source.Env{Source: src, Browser: r.opts.Browser}
	lister, err := r.registry.New(src.Name, env)
	if err != nil {
		return finish(err)
	}

	// 1. 列出候选，列表阶段可以使用整个代理池
	proxies := r.proxies.Proxies()
	listSessions := newRotation(proxypool.NewChunk(proxies), r.sessionOptions(lister))
	candidates, err := lister.ListCandidates(ctx, source.ListContext{
		Sessions:    listSessions,
		Proxies:     proxies,
		Parallelism: r.opts.ListParallelism,
		UserAgent:   r.opts.Session.UserAgent,
	})
	listSessions.Close()
	closeAdapter(lister)
	if err != nil {
		l.Error().Err(err).Msg("Listing failed, job aborted.")
		return finish(fmt.Errorf("list candidates for %s: %w", src.Name, err))
	}

	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		l.Warn().Msg("No candidate items, job aborted before staging.")
		return finish(ErrNoCandidates)
	}
	l.Info().Int("candidates", len(candidates)).Int("workers", src.Workers).Int("proxies", len(proxies)).Msg("Job run started.")

	// 2. 丢弃上一次中断运行遗留的 staging
	if r.opts.ResetStaging {
		if err := r.publisher.ResetStaging(ctx, src); err != nil {
			return finish(err)
		}
	}

	// 3. 切分并并行运行 Worker
	ranges := Partition(len(candidates), src.Workers)
	chunks := proxypool.Partition(proxies, src.Workers)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results []WorkerResult
	)
	for i, rg := range ranges {
		if rg.Empty() {
			continue
		}
		g.Go(func() error {
			res := r.runWorker(ctx, src, env, i, rg, chunks[i], candidates)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		report.Extracted += res.Extracted
		report.Failed += res.Failed
	}

	// 被取消的运行不发布，staging 中的部分写入保留到下一次运行被重置
	if err := ctx.Err(); err != nil {
		l.Warn().Int("extracted", report.Extracted).Msg("Job run cancelled, nothing published.")
		return finish(err)
	}

	// 4. 发布
	n, err := r.publisher.Publish(ctx, src)
	if err != nil {
		l.Error().Err(err).Int("extracted", report.Extracted).Int("failed", report.Failed).Msg("Publish failed.")
		return finish(err)
	}
	report.Published = n
	report.Outcome = Completed
	r.metrics.published(src.Name, n)

	l.Info().
		Int("extracted", report.Extracted).
		Int("failed", report.Failed).
		Int64("published", n).
		Dur("duration", time.Since(start)).
		Msg("Job run completed.")
	return finish(nil)
}

// runWorker 为一个区间创建独立的 Adapter 实例和会话轮转，并执行 Worker。
func (r *Runner) runWorker(ctx context.Context, src types.SourceConf, env source.Env, id int, rg Range, chunk []*model.Proxy, candidates []source.Candidate) WorkerResult {
	wl := logger.WithComponent("Crawl/Worker").With().Str("source", src.Name).Int("worker", id).Logger()

	adapter, err := r.registry.New(src.Name, env)
	if err != nil {
		wl.Error().Err(err).Msg("Failed to create adapter.")
		return WorkerResult{Worker: id, Range: rg, Failed: rg.Len()}
	}
	defer closeAdapter(adapter)

	sessions := newRotation(proxypool.NewChunk(chunk), r.sessionOptions(adapter))
	defer sessions.Close()

	r.metrics.workerStarted(src.Name)
	defer r.metrics.workerDone(src.Name)

	w := &Worker{
		id:       id,
		src:      src,
		adapter:  adapter,
		regions:  source.RegionsFor(adapter, src),
		sessions: sessions,
		stager:   r.publisher,
		policy:   r.opts.Retry,
		metrics:  r.metrics,
		log:      wl,
	}
	return w.Run(ctx, candidates, rg)
}
