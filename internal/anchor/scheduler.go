package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"okx-grid-go/gateway"
	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/internal/engine"
	"okx-grid-go/order"
)

// CandleSource K 线数据源，由 gateway.OKXRESTClient 实现。
type CandleSource interface {
	Candles(ctx context.Context, instID, bar string, limit int) ([]gateway.Candle, error)
}

// Regenerator 由 engine.Engine 实现。
type Regenerator interface {
	Regenerate(ctx context.Context, anchor float64, count int) error
}

// RunFlag 运行开关。
type RunFlag interface {
	Running() bool
}

// Config 调度配置
type Config struct {
	InstID       string
	Bar          string
	Length       int // SMA 周期
	Limit        int // 每次拉取的 K 线数量
	LevelCount   int
	InitialDelay time.Duration // 启动后等待行情连接
	PausePoll    time.Duration
	BarDelay     time.Duration // K 线收盘后额外等待
}

// DefaultConfig 默认 1 分钟 K 线、SMA14、100 档。
func DefaultConfig(instID string) Config {
	return Config{
		InstID:       instID,
		Bar:          "1m",
		Length:       14,
		Limit:        94,
		LevelCount:   100,
		InitialDelay: 4 * time.Second,
		PausePoll:    4 * time.Second,
		BarDelay:     time.Second,
	}
}

// Scheduler 每根 K 线收盘后重新计算锚定价并请求重建网格。
type Scheduler struct {
	cfg     Config
	bar     Bar
	candles CandleSource
	regen   Regenerator
	sw      RunFlag
	inst    order.Instrument
	log     *logger.Logger
	now     func() time.Time

	levelCount atomic.Int64

	mu         sync.RWMutex
	lastAnchor float64
	lastRun    time.Time
}

func NewScheduler(cfg Config, inst order.Instrument, candles CandleSource, regen Regenerator, sw RunFlag, log *logger.Logger) (*Scheduler, error) {
	bar, err := ParseBar(cfg.Bar)
	if err != nil {
		return nil, err
	}
	if cfg.Length <= 0 || cfg.LevelCount <= 0 {
		return nil, fmt.Errorf("sma length and level count must be > 0")
	}
	if cfg.Limit < cfg.Length {
		cfg.Limit = cfg.Length
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 4 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		bar:     bar,
		candles: candles,
		regen:   regen,
		sw:      sw,
		inst:    inst,
		log:     log.Named("anchor"),
		now:     time.Now,
	}
	s.levelCount.Store(int64(cfg.LevelCount))
	return s, nil
}

// SetLevelCount 修改下一次重建使用的档位数量（配置热更新）。
func (s *Scheduler) SetLevelCount(n int) {
	if n > 0 {
		s.levelCount.Store(int64(n))
	}
}

// LastAnchor 最近一次成功应用的锚定价。
func (s *Scheduler) LastAnchor() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAnchor, s.lastRun
}

// Run 阻塞直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if !sleepCtx(ctx, s.cfg.InitialDelay) {
		return nil
	}
	for {
		if !s.sw.Running() {
			if !sleepCtx(ctx, s.cfg.PausePoll) {
				return nil
			}
			continue
		}

		wait := s.untilNextBar()
		if _, err := s.Update(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("anchor update failed", zap.Error(err))
			wait = s.cfg.PausePoll
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// Update 计算一次锚定价并请求重建；引擎有持仓或暂停时跳过，返回 applied=false。
func (s *Scheduler) Update(ctx context.Context) (applied bool, err error) {
	candles, err := s.candles.Candles(ctx, s.cfg.InstID, s.cfg.Bar, s.cfg.Limit)
	if err != nil {
		return false, fmt.Errorf("fetch candles: %w", err)
	}
	sma, err := SMA(candles, s.cfg.Length)
	if err != nil {
		return false, err
	}
	anchor := s.inst.RoundPrice(sma)

	err = s.regen.Regenerate(ctx, anchor, int(s.levelCount.Load()))
	switch {
	case errors.Is(err, engine.ErrOrdersInFlight), errors.Is(err, engine.ErrPaused):
		s.log.Debug("grid regeneration skipped", zap.Float64("anchor", anchor), zap.String("reason", err.Error()))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("regenerate at %v: %w", anchor, err)
	}

	s.mu.Lock()
	s.lastAnchor = anchor
	s.lastRun = s.now()
	s.mu.Unlock()
	s.log.Info("anchor updated", zap.Float64("sma", sma), zap.Float64("anchor", anchor), zap.String("bar", s.cfg.Bar))
	return true, nil
}

func (s *Scheduler) untilNextBar() time.Duration {
	now := s.now()
	return NextBoundary(now, s.bar).Sub(now) + s.cfg.BarDelay
}

// sleepCtx 返回 false 表示 ctx 已取消。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
