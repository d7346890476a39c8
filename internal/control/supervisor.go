package control

import (
	"context"
	"errors"
	"time"
)

// ErrProcessGone 目标进程在发信号之前已经退出
var ErrProcessGone = errors.New("process already exited")

// Process 是进程表中的一项
type Process struct {
	PID     int32
	PPID    int32
	Cmdline []string
}

// HasArg reports whether one of the launch arguments equals arg exactly.
func (p Process) HasArg(arg string) bool {
	for _, a := range p.Cmdline {
		if a == arg {
			return true
		}
	}
	return false
}

// Supervisor 抽象了控制面需要的操作系统进程能力。
type Supervisor interface {
	// Spawn 以脱离当前会话的方式启动一个新进程并立即返回其 PID
	Spawn(name string, args []string) (int32, error)
	// List 扫描进程表。扫描过程中消失或无权读取的进程被跳过。
	List(ctx context.Context) ([]Process, error)
	// Descendants 返回 pid 的所有后代进程（不含 pid 本身）
	Descendants(ctx context.Context, pid int32) ([]int32, error)
	// Terminate 先发送 SIGTERM，等待 grace；仍存活则 SIGKILL 并再等待 grace。
	// 进程在发信号前已退出时返回 ErrProcessGone。
	Terminate(ctx context.Context, pid int32, grace time.Duration) error
}
