package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storecrawl/internal/shared/logger"
)

var (
	// ErrAlreadyRunning start 时调度进程已在运行
	ErrAlreadyRunning = errors.New("scheduler is already running")
	// ErrNotRunning stop 时没有找到调度进程
	ErrNotRunning = errors.New("scheduler is not running")
)

// Options 描述如何启动与识别调度进程
type Options struct {
	// Executable 是调度进程的可执行文件，通常为当前二进制
	Executable string
	// Args 是启动参数，Marker 会被追加到末尾
	Args []string
	// Marker 是启动参数中用于识别调度进程的唯一标记
	Marker string
	// StopTimeout 是每一步终止的等待上限
	StopTimeout time.Duration
}

// StopResult 描述一次 stop
type StopResult struct {
	PID         int32
	Descendants int
	// Warning 汇总了后代进程的终止失败，不影响 stop 的结果
	Warning error
}

// Controller 对外提供调度进程的 status/start/stop，保证同一时刻最多一个调度进程。
type Controller struct {
	sup  Supervisor
	opts Options
	log  zerolog.Logger

	// 串行化本进程内的 start/stop，跨进程的唯一性由进程表检查和调度进程自身的锁保证
	mu sync.Mutex
}

func NewController(sup Supervisor, opts Options) *Controller {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Controller{sup: sup, opts: opts, log: logger.WithComponent("Control")}
}

// Marker 返回识别调度进程的启动参数
func (c *Controller) Marker() string { return c.opts.Marker }

// find 返回第一个带有标记的进程
func (c *Controller) find(ctx context.Context) (*Process, error) {
	procs, err := c.sup.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.HasArg(c.opts.Marker) {
			return &p, nil
		}
	}
	return nil, nil
}

// Status 报告调度进程是否在运行，没有副作用。
func (c *Controller) Status(ctx context.Context) (bool, error) {
	p, err := c.find(ctx)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// Start 在没有调度进程时启动一个脱离的新进程，不等待它产生任何结果。
func (c *Controller) Start(ctx context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running, err := c.find(ctx)
	if err != nil {
		return 0, err
	}
	if running != nil {
		return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, running.PID)
	}

	args := append(append([]string{}, c.opts.Args...), c.opts.Marker)
	pid, err := c.sup.Spawn(c.opts.Executable, args)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to start scheduler.")
		return 0, err
	}
	c.log.Info().Int32("pid", pid).Strs("args", args).Msg("Scheduler started.")
	return pid, nil
}

// Stop 终止调度进程及其全部后代进程。
// 后代进程在向父进程发信号之前取快照，父进程退出后它们会被重新挂到 init 下而无法再被发现。
// 已经退出的进程视为成功；无权限的进程被跳过；其余后代失败汇总为 Warning。
// 只有父进程确认停止后才返回成功。
func (c *Controller) Stop(ctx context.Context) (*StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.find(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotRunning
	}
	res := &StopResult{PID: p.PID}

	descendants, err := c.sup.Descendants(ctx, p.PID)
	if err != nil {
		c.log.Warn().Err(err).Int32("pid", p.PID).Msg("Failed to list scheduler descendants.")
	}
	res.Descendants = len(descendants)

	c.log.Info().Int32("pid", p.PID).Int("descendants", len(descendants)).Msg("Stopping scheduler.")
	parentErr := c.sup.Terminate(ctx, p.PID, c.opts.StopTimeout)
	if errors.Is(parentErr, ErrProcessGone) {
		parentErr = nil
	}

	res.Warning = c.terminateAll(ctx, descendants)
	if res.Warning != nil {
		c.log.Warn().Err(res.Warning).Msg("Some scheduler descendants could not be terminated.")
	}

	if parentErr != nil {
		c.log.Error().Err(parentErr).Int32("pid", p.PID).Msg("Failed to stop scheduler.")
		return res, fmt.Errorf("failed to stop scheduler (pid %d): %w", p.PID, parentErr)
	}
	c.log.Info().Int32("pid", p.PID).Msg("Scheduler stopped.")
	return res, nil
}

// terminateAll 并发终止 pids，返回汇总的错误。
func (c *Controller) terminateAll(ctx context.Context, pids []int32) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, pid := range pids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.sup.Terminate(ctx, pid, c.opts.StopTimeout)
			if err == nil || errors.Is(err, ErrProcessGone) || errors.Is(err, os.ErrPermission) {
				return
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
