// Package control 运行开关以及对外的控制入口（管理 HTTP 接口、Telegram 命令）。
package control

import (
	"sync"
	"sync/atomic"
)

// Switch 运行开关：Running 为 false 时引擎清空网格并等待；Shutdown 只生效一次。
type Switch struct {
	running atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewSwitch(running bool) *Switch {
	s := &Switch{done: make(chan struct{})}
	s.running.Store(running)
	return s
}

// Running 当前是否允许交易。
func (s *Switch) Running() bool {
	return s.running.Load()
}

// Resume 恢复交易，返回状态是否发生变化。
func (s *Switch) Resume() bool {
	if s.Stopped() {
		return false
	}
	return s.running.CompareAndSwap(false, true)
}

// Pause 暂停交易，返回状态是否发生变化。
func (s *Switch) Pause() bool {
	return s.running.CompareAndSwap(true, false)
}

// Shutdown 请求整个进程退出，返回 false 表示已经在退出中。
func (s *Switch) Shutdown() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.running.Store(false)
		close(s.done)
	})
	return first
}

// Done 收到 Shutdown 后关闭。
func (s *Switch) Done() <-chan struct{} {
	return s.done
}

func (s *Switch) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
