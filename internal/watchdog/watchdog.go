package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
)

// State 运行健康状态
type State int

const (
	// StateHealthy 所有检查通过
	StateHealthy State = iota
	// StateDegraded 至少一项检查失败
	StateDegraded
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Alerter 告警出口（alert.Manager 满足该接口，自带限流）。
type Alerter interface {
	SendError(ctx context.Context, message string, fields map[string]interface{}) error
	SendWarning(ctx context.Context, message string, fields map[string]interface{}) error
}

// Probe 单项检查，返回 nil 表示正常。
type Probe struct {
	Name  string
	Check func() error
}

// Config 巡检配置
type Config struct {
	Interval time.Duration
	// Grace 启动后的宽限期，期间失败不告警
	Grace time.Duration
}

// Watchdog 周期性执行检查，状态变化时发送告警。
type Watchdog struct {
	cfg     Config
	probes  []Probe
	alerter Alerter
	log     *logger.Logger
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	failing map[string]string
	started time.Time
}

func New(cfg Config, alerter Alerter, log *logger.Logger, probes ...Probe) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Watchdog{
		cfg:     cfg,
		probes:  probes,
		alerter: alerter,
		log:     log,
		now:     time.Now,
		failing: make(map[string]string),
	}
}

// State 当前状态
func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Run 巡检循环，ctx 取消后返回 nil。
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	w.started = w.now()
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check 执行一轮检查并返回本轮失败项。
func (w *Watchdog) Check(ctx context.Context) map[string]string {
	failing := make(map[string]string)
	for _, p := range w.probes {
		if err := p.Check(); err != nil {
			failing[p.Name] = err.Error()
		}
	}

	w.mu.Lock()
	old := w.state
	if len(failing) > 0 {
		w.state = StateDegraded
	} else {
		w.state = StateHealthy
	}
	inGrace := w.cfg.Grace > 0 && w.now().Sub(w.started) < w.cfg.Grace
	changed := old != w.state || !sameKeys(failing, w.failing)
	w.failing = failing
	state := w.state
	w.mu.Unlock()

	if !changed {
		return failing
	}
	w.log.Info("watchdog state changed",
		zap.String("from", old.String()),
		zap.String("to", state.String()),
		zap.Any("failing", failing))
	if inGrace || w.alerter == nil {
		return failing
	}

	var err error
	switch {
	case state == StateDegraded:
		fields := make(map[string]interface{}, len(failing))
		for k, v := range failing {
			fields[k] = v
		}
		err = w.alerter.SendError(ctx, "⚠️ Grid bot degraded: "+strings.Join(sortedKeys(failing), ", "), fields)
	case old == StateDegraded:
		err = w.alerter.SendWarning(ctx, "Grid bot recovered", nil)
	}
	if err != nil {
		w.log.Warn("watchdog alert failed", zap.Error(err))
	}
	return failing
}

func sameKeys(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ErrStale 数据长时间未更新
var ErrStale = errors.New("stale")

// Staleness 返回一个检查 last() 距今是否超过 maxAge 的探针函数；零值时间视为尚未开始。
func Staleness(last func() time.Time, maxAge time.Duration, now func() time.Time) func() error {
	if now == nil {
		now = time.Now
	}
	return func() error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := now().Sub(t); age > maxAge {
			return fmt.Errorf("%w: last update %s ago", ErrStale, age.Truncate(time.Second))
		}
		return nil
	}
}
