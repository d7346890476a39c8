package scheduler

// Status 调度循环的状态
type Status int32

const (
	// 等待下一个平台
	StatusIdle Status = iota
	// 正在执行一个平台的作业
	StatusRunning
	// 作业失败后的固定退避
	StatusBackoff
	// 作业之后的间隔等待
	StatusSettling
	// 循环已退出，只在进程被要求终止时出现
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusBackoff:
		return "backoff"
	case StatusSettling:
		return "settling"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}
