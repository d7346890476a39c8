package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storecrawl/internal/crawl"
	"storecrawl/internal/shared/logger"
	"storecrawl/internal/shared/types"
)

// JobRunner 同步执行一个平台的一次作业
type JobRunner interface {
	Run(ctx context.Context, src types.SourceConf) (*crawl.Report, error)
}

// SleepFunc 等待 d 或者 ctx 结束。测试中可以替换为不真正睡眠的实现。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Scheduler 按顺序无限循环执行各平台的作业，同一时刻只有一个平台在运行。
// 单个平台的失败只会触发固定退避，不会让循环退出；只有 ctx 结束（进程收到终止信号）时 Run 才返回。
type Scheduler struct {
	sources []types.SourceConf
	runner  JobRunner
	backoff time.Duration
	sleep   SleepFunc
	log     zerolog.Logger

	mu      sync.RWMutex
	status  Status
	current string
	cycles  int
}

func New(sources []types.SourceConf, runner JobRunner, backoff time.Duration) *Scheduler {
	return &Scheduler{
		sources: sources,
		runner:  runner,
		backoff: backoff,
		sleep:   sleepCtx,
		log:     logger.WithComponent("Scheduler"),
	}
}

// WithSleep 替换等待函数
func (s *Scheduler) WithSleep(f SleepFunc) *Scheduler {
	s.sleep = f
	return s
}

// Status 返回当前状态和正在处理的平台名
func (s *Scheduler) Status() (Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.current
}

// Cycles 返回已经完整走完平台列表的轮数
func (s *Scheduler) Cycles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycles
}

func (s *Scheduler) setStatus(st Status, src string) {
	s.mu.Lock()
	s.status, s.current = st, src
	s.mu.Unlock()
}

// Run 执行调度循环，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.sources) == 0 {
		return fmt.Errorf("scheduler has no sources")
	}
	defer s.setStatus(StatusStopped, "")

	names := make([]string, len(s.sources))
	for i, src := range s.sources {
		names[i] = src.Name
	}
	s.log.Info().Strs("order", names).Dur("backoff", s.backoff).Msg("Scheduler loop started.")

	for i := 0; ; i = (i + 1) % len(s.sources) {
		src := s.sources[i]
		if err := s.step(ctx, src); err != nil {
			s.log.Info().Str("source", src.Name).Msg("Scheduler loop stopped.")
			return err
		}
		if i == len(s.sources)-1 {
			s.mu.Lock()
			s.cycles++
			s.mu.Unlock()
		}
	}
}

// step 处理一个平台：运行作业，失败时退避，然后等待间隔。只在 ctx 结束时返回错误。
func (s *Scheduler) step(ctx context.Context, src types.SourceConf) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setStatus(StatusRunning, src.Name)
	s.log.Info().Str("source", src.Name).Msg("Starting job run.")
	report, err := s.runSafely(ctx, src)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		level := zerolog.ErrorLevel
		if errors.Is(err, crawl.ErrNoCandidates) {
			level = zerolog.WarnLevel
		}
		s.log.WithLevel(level).Err(err).Str("source", src.Name).Dur("backoff", s.backoff).Msg("Job run failed, backing off.")
		s.setStatus(StatusBackoff, src.Name)
		if err := s.sleep(ctx, s.backoff); err != nil {
			return err
		}
	default:
		s.log.Info().
			Str("source", src.Name).
			Str("run_id", report.RunID).
			Int64("published", report.Published).
			Msg("Job run finished.")
	}

	s.setStatus(StatusSettling, src.Name)
	if err := s.sleep(ctx, src.Interval); err != nil {
		return err
	}
	s.setStatus(StatusIdle, "")
	return nil
}

// runSafely 把作业中的 panic 转为错误，保证循环不会因为单个平台崩溃。
func (s *Scheduler) runSafely(ctx context.Context, src types.SourceConf) (report *crawl.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job run for %s panicked: %v", src.Name, p)
		}
	}()
	report, err = s.runner.Run(ctx, src)
	if err == nil && report == nil {
		report = &crawl.Report{Source: src.Name}
	}
	return report, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
