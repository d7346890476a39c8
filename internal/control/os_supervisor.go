package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"storecrawl/internal/shared/logger"
)

const pollInterval = 100 * time.Millisecond

// OSSupervisor 基于 gopsutil 与 POSIX 信号实现 Supervisor。
type OSSupervisor struct {
	// Dir 是新进程的工作目录，空串时继承当前目录
	Dir string
	// Env 追加到新进程的环境变量
	Env []string
}

var _ Supervisor = (*OSSupervisor)(nil)

func NewOSSupervisor() *OSSupervisor {
	return &OSSupervisor{}
}

func (s *OSSupervisor) Spawn(name string, args []string) (int32, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	// 新会话：不随控制面的终端或进程组一起收到信号
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn %s: %w", name, err)
	}
	pid := cmd.Process.Pid

	// 回收子进程，避免退出后留下僵尸进程被误判为仍在运行
	go func() {
		err := cmd.Wait()
		l := logger.WithComponent("Control/Supervisor")
		l.Info().Int("pid", pid).AnErr("exit", err).Msg("Spawned process exited.")
	}()
	return int32(pid), nil
}

func (s *OSSupervisor) List(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}

	self := int32(os.Getpid())
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			// 进程已消失、无权读取或是内核线程
			continue
		}
		ppid, _ := p.PpidWithContext(ctx)
		out = append(out, Process{PID: p.Pid, PPID: ppid, Cmdline: cmdline})
	}
	return out, nil
}

func (s *OSSupervisor) Descendants(ctx context.Context, pid int32) ([]int32, error) {
	var out []int32
	queue := []int32{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		p, err := process.NewProcessWithContext(ctx, cur)
		if err != nil {
			continue
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) || errors.Is(err, process.ErrorProcessNotRunning) {
				continue
			}
			if cur == pid {
				return nil, fmt.Errorf("failed to list children of %d: %w", pid, err)
			}
			continue
		}
		for _, c := range children {
			if c.Pid == pid || slices.Contains(out, c.Pid) {
				continue
			}
			out = append(out, c.Pid)
			queue = append(queue, c.Pid)
		}
	}
	return out, nil
}

func (s *OSSupervisor) Terminate(ctx context.Context, pid int32, grace time.Duration) error {
	if err := signal(pid, unix.SIGTERM); err != nil {
		return err
	}
	if waitGone(ctx, pid, grace) {
		return nil
	}

	l := logger.WithComponent("Control/Supervisor")
	l.Warn().Int32("pid", pid).Dur("grace", grace).Msg("Process ignored SIGTERM, sending SIGKILL.")
	if err := signal(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, ErrProcessGone) {
			return nil
		}
		return err
	}
	if waitGone(ctx, pid, grace) {
		return nil
	}
	return fmt.Errorf("process %d still alive after SIGKILL", pid)
}

func signal(pid int32, sig unix.Signal) error {
	err := unix.Kill(int(pid), sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return ErrProcessGone
	default:
		return fmt.Errorf("failed to send %s to %d: %w", unix.SignalName(sig), pid, err)
	}
}

// waitGone 轮询直到进程退出或超时
func waitGone(ctx context.Context, pid int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// alive 使用 kill(pid, 0) 探测。僵尸进程视为已退出。
func alive(ctx context.Context, pid int32) bool {
	if err := unix.Kill(int(pid), 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}
