package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storecrawl/internal/control"
	"storecrawl/internal/crawl"
	"storecrawl/internal/publish"
	"storecrawl/internal/scheduler"
	"storecrawl/internal/service/web"
	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
	"storecrawl/internal/source"
	"storecrawl/internal/source/browser"
	"storecrawl/internal/source/catalog"
	"storecrawl/internal/store"
	"storecrawl/internal/store/postgres"
	"storecrawl/proxypool"
	"storecrawl/proxypool/model"
	"storecrawl/proxypool/session"
	"storecrawl/proxypool/storage"
	"storecrawl/proxypool/validator"
)

// logFollowInterval 是 /logs/stream 轮询日志文件的间隔
const logFollowInterval = 500 * time.Millisecond

// schedulerLockName 是调度进程的 advisory lock 名
var schedulerLockName = []string{"storecrawl", "scheduler"}

// App 是进程的组合根，各子命令共享同一套装配。
type App struct {
	cfg        *types.Config
	configPath string
	envPath    string

	store    store.Store
	pg       *postgres.Store // driver=memory 时为 nil
	registry *source.Registry

	proxyStorage *storage.FileStorage
	proxies      *proxypool.Manager

	metrics *prometheus.Registry

	waitGroup sync.WaitGroup
}

// New 打开存储并加载代理列表。configPath 与 envPath 会原样传给被拉起的调度进程。
func New(ctx context.Context, cfg *types.Config, configPath, envPath string) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		envPath:    envPath,
		registry:   catalog.Default(),
		metrics:    prometheus.NewRegistry(),
	}

	for _, src := range cfg.Sources {
		if !a.registry.Has(src.Name) {
			return nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, src.Name)
		}
	}

	switch cfg.Driver {
	case "memory":
		a.store = store.NewMemory()
	default:
		pg, err := postgres.Open(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		a.store = pg
	}

	a.proxyStorage = storage.NewFileStorage(cfg.ProxyConf.File)
	probe := validator.NewValidator(time.Duration(cfg.TimeoutSeconds)*time.Second, 16)
	a.proxies = proxypool.NewManager(a.proxyStorage, probe)
	if err := a.proxies.Load(); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return a, nil
}

// Close 释放存储连接
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// Store 返回文档存储
func (a *App) Store() store.Store { return a.store }

func (a *App) runnerOptions() crawl.Options {
	timeout := time.Duration(a.cfg.TimeoutSeconds) * time.Second
	return crawl.Options{
		Session: session.Options{
			UserAgent:      a.cfg.ProxyConf.UserAgent,
			AcceptLanguage: a.cfg.AcceptLanguage,
			Timeout:        timeout,
			Retries:        a.cfg.ProxyConf.Retries,
		},
		Browser: browser.Options{
			Bin:         os.Getenv("STORECRAWL_BROWSER_BIN"),
			PageTimeout: 2 * timeout,
			UserAgent:   a.cfg.ProxyConf.UserAgent,
		},
		Retry: crawl.RetryPolicy{
			ItemAttempts:   a.cfg.ItemAttempts,
			PriceAttempts:  a.cfg.PriceAttempts,
			InitialBackoff: time.Second,
			MaxBackoff:     a.cfg.MaxBackoff(),
		},
		ResetStaging:    a.cfg.ResetStaging,
		ListParallelism: a.cfg.ListParallelism,
	}
}

// Runner 构造作业执行器，指标注册在 App 的 registry 上。
func (a *App) Runner() *crawl.Runner {
	pub := publish.NewPublisher(a.store, publish.Options{AllowEmpty: a.cfg.AllowEmptyPublish})
	return crawl.NewRunner(a.registry, a.proxies, pub, a.runnerOptions(), crawl.NewMetrics(a.metrics))
}

// CrawlOnce 对一个平台执行一次作业
func (a *App) CrawlOnce(ctx context.Context, name string) (*crawl.Report, error) {
	src, ok := a.cfg.Source(name)
	if !ok {
		if !a.registry.Has(name) {
			return nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, name)
		}
		// 配置中禁用的平台也可以手动跑一次
		src = types.SourceConf{Name: name, Workers: 10, Interval: 10 * time.Second}
	}
	return a.Runner().Run(ctx, src)
}

// RunScheduler 是调度进程的主循环，ctx 结束时返回。
// postgres 模式下先获取实例锁，保证同一时刻只有一个调度进程写数据。
func (a *App) RunScheduler(ctx context.Context) error {
	l := logger.WithComponent("App")

	if a.pg != nil {
		lock, err := a.pg.TryAcquire(ctx, schedulerLockName...)
		if err != nil {
			if errors.Is(err, postgres.ErrLockHeld) {
				return fmt.Errorf("another scheduler instance holds the lock: %w", err)
			}
			return err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				l.Warn().Err(err).Msg("Failed to release scheduler lock.")
			}
		}()
	}

	a.startMetrics(ctx)

	s := scheduler.New(a.cfg.Sources, a.Runner(), a.cfg.Backoff())
	l.Info().Int("sources", len(a.cfg.Sources)).Str("marker", a.cfg.Marker).Msg("Scheduler process started.")
	err := s.Run(ctx)
	a.waitGroup.Wait()
	l.Info().Int("cycles", s.Cycles()).Msg("Scheduler process stopped.")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	l := logger.WithComponent("App/Metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	a.waitGroup.Add(2)
	go func() {
		defer a.waitGroup.Done()
		l.Info().Str("addr", a.cfg.MetricsAddr).Msg("Serving metrics.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Metrics server error")
		}
	}()
	go func() {
		defer a.waitGroup.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Controller 构造调度进程的控制器。调度进程以当前二进制的 scheduler 子命令启动，
// Marker 作为 "--" 之后的位置参数追加。
func (a *App) Controller() (*control.Controller, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	args := []string{"scheduler", "--config", a.configPath}
	if a.envPath != "" {
		args = append(args, "--env", a.envPath)
	}
	args = append(args, "--")
	return control.NewController(control.NewOSSupervisor(), control.Options{
		Executable:  exe,
		Args:        args,
		Marker:      a.cfg.Marker,
		StopTimeout: a.cfg.StopTimeout(),
	}), nil
}

// Serve 运行控制面 HTTP 服务，直到 ctx 结束。
func (a *App) Serve(ctx context.Context) error {
	ctl, err := a.Controller()
	if err != nil {
		return err
	}

	// 实时日志跟踪共享的日志文件，没有配置文件时不提供 /logs/stream
	var hub *web.Hub
	if a.cfg.LogConf.File != "" {
		hub = web.NewHub()
		go hub.Run(ctx)
		hub.Follow(ctx, a.cfg.LogConf.File, logFollowInterval)
	}

	h := web.NewHandler(a.cfg, ctl, a.store, a.registry.Names())
	if _, err := web.StartServer(ctx, &a.waitGroup, a.cfg.Listen, h, hub); err != nil {
		return err
	}
	a.waitGroup.Wait()
	return nil
}

// CheckProxies 探测代理列表。prune 为 true 时只保留健康的代理并写回文件。
func (a *App) CheckProxies(ctx context.Context, prune bool) ([]*model.Proxy, error) {
	checked, err := a.proxies.Check(ctx, prune)
	if err != nil {
		return nil, err
	}
	if prune {
		if err := a.proxyStorage.Save(a.proxies.Proxies()); err != nil {
			return nil, fmt.Errorf("failed to save pruned proxy list: %w", err)
		}
	}
	return checked, nil
}
