package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器：顺序启动，逆序停止。
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，汇总全部错误。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs error
	for i := len(m.components) - 1; i >= 0; i-- {
		c := m.components[i]
		if err := c.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	return errs
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// runnerComponent 把阻塞式 Run(ctx) 包装为 Lifecycle。
type runnerComponent struct {
	name   string
	run    func(ctx context.Context) error
	stop   func() error // 可选：在取消 ctx 之前调用
	wait   time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

func newRunner(name string, log *logger.Logger, run func(ctx context.Context) error) *runnerComponent {
	return &runnerComponent{name: name, run: run, wait: 10 * time.Second, logger: log}
}

func (r *runnerComponent) withStop(stop func() error) *runnerComponent {
	r.stop = stop
	return r
}

func (r *runnerComponent) Name() string { return r.name }

func (r *runnerComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		err := r.run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		if err != nil {
			r.logger.LogError(err, map[string]interface{}{"component": r.name, "action": "run"})
		}
	}(r.done)
	r.logger.Info("component started", zap.String("component", r.name))
	return nil
}

func (r *runnerComponent) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}

	var err error
	if r.stop != nil {
		err = r.stop()
	}
	cancel()
	select {
	case <-done:
	case <-time.After(r.wait):
		return multierr.Append(err, fmt.Errorf("%s did not stop within %s", r.name, r.wait))
	}
	r.logger.Info("component stopped", zap.String("component", r.name))
	return err
}

func (r *runnerComponent) Health() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return errors.New("not started")
	}
	select {
	case <-r.done:
		if r.exitErr != nil {
			return fmt.Errorf("exited: %w", r.exitErr)
		}
		return errors.New("exited")
	default:
		return nil
	}
}
