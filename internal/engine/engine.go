package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"okx-grid-go/gateway"
	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/infrastructure/monitor"
	"okx-grid-go/internal/journal"
	"okx-grid-go/market"
	"okx-grid-go/order"
	"okx-grid-go/strategy"
)

// Placer 市价下单，由 order.Executor 实现。
type Placer interface {
	PlaceMarketBuy(ctx context.Context, in order.Intent, price float64) (order.Placement, error)
	PlaceMarketSell(ctx context.Context, in order.Intent, price float64) (order.Placement, error)
}

// Notifier 外部通知（Telegram 等），尽力而为。
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RunFlag 运行开关，false 表示暂停。
type RunFlag interface {
	Running() bool
}

var (
	ErrOrdersInFlight = errors.New("grid has filled orders in flight")
	ErrPaused         = errors.New("engine paused")
	ErrStopped        = errors.New("engine stopped")
)

// Config 引擎配置
type Config struct {
	InstID        string
	LevelCount    int           // Regenerate 未指定数量时使用
	PausePoll     time.Duration // 暂停时的检查间隔
	NotifyTimeout time.Duration
	NotifyBuffer  int
}

// Components 引擎依赖组件
type Components struct {
	Placer   Placer
	Builder  *strategy.Builder
	Prices   <-chan float64
	Events   *market.EventQueue[gateway.OrderMessage]
	Switch   RunFlag
	Notifier Notifier
	Journal  journal.Recorder
	Logger   *logger.Logger
	Monitor  *monitor.Monitor
}

type regenRequest struct {
	anchor float64
	count  int
	reply  chan error
}

// Engine 网格策略状态机。档位表与订单表只由 Run 所在 goroutine 读写。
type Engine struct {
	cfg      Config
	placer   Placer
	builder  *strategy.Builder
	prices   <-chan float64
	events   *market.EventQueue[gateway.OrderMessage]
	sw       RunFlag
	notifier Notifier
	journal  journal.Recorder
	log      *logger.Logger
	mon      *monitor.Monitor

	// Run goroutine 独占
	buys          map[int]*strategy.GridLevel
	sells         map[int]*strategy.GridLevel
	orders        map[string]*order.StrategyOrder
	anchorOrderID string
	anchorPrice   float64
	version       uint64
	lastPrice     float64
	hasPrice      bool
	pauseCleared  bool
	published     publishMark

	state    atomic.Int32
	running  atomic.Bool
	regenCh  chan regenRequest
	params   *market.LatestSlot[strategy.GridParams]
	notifyCh chan string
	snapshot atomic.Pointer[Snapshot]
	done     chan struct{}
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 4 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Journal == nil {
		c.Journal = journal.Nop{}
	}

	e := &Engine{
		cfg:      cfg,
		placer:   c.Placer,
		builder:  c.Builder,
		prices:   c.Prices,
		events:   c.Events,
		sw:       c.Switch,
		notifier: c.Notifier,
		journal:  c.Journal,
		log:      c.Logger.Named("engine"),
		mon:      c.Monitor,
		buys:     make(map[int]*strategy.GridLevel),
		sells:    make(map[int]*strategy.GridLevel),
		orders:   make(map[string]*order.StrategyOrder),
		regenCh:  make(chan regenRequest),
		params:   market.NewLatestSlot[strategy.GridParams](),
		notifyCh: make(chan string, cfg.NotifyBuffer),
		done:     make(chan struct{}),
	}
	e.setState(StateUninitialized)
	e.publish(true)
	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.InstID == "" {
		return errors.New("instId is required")
	}
	if cfg.LevelCount <= 0 {
		return errors.New("levelCount must be > 0")
	}
	return nil
}

func validateComponents(c Components) error {
	if c.Placer == nil {
		return errors.New("placer is required")
	}
	if c.Builder == nil {
		return errors.New("grid builder is required")
	}
	if c.Prices == nil {
		return errors.New("price channel is required")
	}
	if c.Events == nil {
		return errors.New("order event queue is required")
	}
	if c.Switch == nil {
		return errors.New("run switch is required")
	}
	return nil
}

// State 当前状态，可并发调用。
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *Engine) setState(s EngineState) {
	e.state.Store(int32(s))
	e.mon.UpdateEngineState(int(s))
}

// Snapshot 最近一次发布的只读快照。
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Regenerate 以 anchor 重建网格；仅当没有已成交/部分成交的订单时允许。
func (e *Engine) Regenerate(ctx context.Context, anchor float64, count int) error {
	req := regenRequest{anchor: anchor, count: count, reply: make(chan error, 1)}
	select {
	case e.regenCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// UpdateParams 更新网格参数，下次重建网格时生效。
func (e *Engine) UpdateParams(p strategy.GridParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params.Publish(p)
	return nil
}

// Run 主循环，ctx 取消后返回 nil。
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	go e.notifyLoop(ctx)

	ticker := time.NewTicker(e.cfg.PausePoll)
	defer ticker.Stop()

	e.log.Info("engine started",
		zap.String("instId", e.cfg.InstID),
		zap.Int("levels", e.cfg.LevelCount),
		zap.Duration("pause_poll", e.cfg.PausePoll))

	for {
		if ctx.Err() != nil {
			e.setState(StateStopped)
			e.publish(true)
			e.log.Info("engine stopped")
			return nil
		}

		if !e.sw.Running() {
			e.pause()
			select {
			case <-ctx.Done():
			case <-ticker.C:
			case req := <-e.regenCh:
				req.reply <- ErrPaused
			case p := <-e.params.C():
				e.applyParams(p)
			}
			continue
		}
		e.resume()

		select {
		case <-ctx.Done():
		case <-ticker.C:
		case req := <-e.regenCh:
			if !e.sw.Running() {
				req.reply <- ErrPaused
				continue
			}
			req.reply <- e.regenerate(req.anchor, req.count)
		case p := <-e.params.C():
			e.applyParams(p)
		case <-e.events.Ready():
			e.drainOrderEvents()
		case px := <-e.prices:
			// 等待期间可能已被暂停，此时不能再下单
			if !e.sw.Running() {
				e.log.Debug("price dropped while paused", zap.Float64("price", px))
				continue
			}
			e.onPrice(ctx, px)
		}
		e.publish(false)
	}
}

// pause 暂停后的第一次循环清空全部档位与订单。
func (e *Engine) pause() {
	if e.pauseCleared {
		return
	}
	levels, orders := len(e.buys), len(e.orders)
	e.clearAll()
	e.pauseCleared = true
	e.setState(StatePaused)
	e.journal.Record(journal.Entry{Kind: journal.KindPauseClear, InstID: e.cfg.InstID})
	e.log.Info("paused, grid cleared", zap.Int("levels", levels), zap.Int("orders", orders))
	e.publish(true)
}

// resume 恢复运行，需要等待下一次 Regenerate 生成网格。
func (e *Engine) resume() {
	if !e.pauseCleared {
		return
	}
	e.pauseCleared = false
	e.setState(StateUninitialized)
	e.log.Info("resumed, waiting for grid regeneration")
}

func (e *Engine) applyParams(p strategy.GridParams) {
	e.builder = e.builder.WithParams(p)
	e.log.Info("grid params updated",
		zap.Float64("step", p.Step),
		zap.Float64("profit_target", p.ProfitTarget),
		zap.Float64("balance", p.Balance))
}

func (e *Engine) onPrice(ctx context.Context, px float64) {
	if !e.hasPrice || px != e.lastPrice {
		e.lastPrice, e.hasPrice = px, true
		e.evaluate(ctx, px)
	}
	e.drainOrderEvents()
}

// evaluate 按 slot 顺序先处理买单档位再处理卖单档位。
func (e *Engine) evaluate(ctx context.Context, px float64) {
	for _, slot := range sortedSlots(e.buys) {
		if ctx.Err() != nil {
			return
		}
		if lvl := e.buys[slot]; lvl.Crossed(px) {
			e.fillBuy(ctx, lvl, px)
		}
	}
	for _, slot := range sortedSlots(e.sells) {
		if ctx.Err() != nil {
			return
		}
		lvl, ok := e.sells[slot]
		if !ok {
			return
		}
		if lvl.Crossed(px) && e.fillSell(ctx, lvl, px) {
			return
		}
	}
}

func (e *Engine) fillBuy(ctx context.Context, lvl *strategy.GridLevel, px float64) {
	start := time.Now()
	p, err := e.placer.PlaceMarketBuy(ctx, lvl.Intent(), px)
	e.mon.RecordOrderLatency(time.Since(start).Seconds())
	if err != nil {
		e.rejected(lvl, px, err)
		return
	}
	e.mon.RecordOrderPlaced(string(order.SideBuy))

	if err := lvl.Transition(strategy.LevelFilled); err != nil {
		e.log.Warn("buy level transition", zap.Error(err))
	}
	lvl.ClearRetry()
	lvl.FilledAt = p.Order.FilledAt

	o := p.Order
	e.orders[o.ID] = &o
	if p.CycleAnchor {
		e.anchorOrderID = o.ID
	}
	if sell, ok := e.sells[lvl.Slot]; ok {
		sell.PairedOrderID = o.ID
		if err := sell.Transition(strategy.LevelLive); err != nil {
			e.log.Warn("sell level transition", zap.Error(err))
		}
	}
	e.version++
	e.recordPlaced(o)
}

// fillSell 返回 true 表示触发了周期重置。
func (e *Engine) fillSell(ctx context.Context, lvl *strategy.GridLevel, px float64) bool {
	start := time.Now()
	p, err := e.placer.PlaceMarketSell(ctx, lvl.Intent(), px)
	e.mon.RecordOrderLatency(time.Since(start).Seconds())
	if err != nil {
		e.rejected(lvl, px, err)
		return false
	}
	e.mon.RecordOrderPlaced(string(order.SideSell))

	if err := lvl.Transition(strategy.LevelFilled); err != nil {
		e.log.Warn("sell level transition", zap.Error(err))
	}
	lvl.ClearRetry()
	lvl.FilledAt = p.Order.FilledAt

	o := p.Order
	e.orders[o.ID] = &o
	e.version++
	e.recordPlaced(o)

	if lvl.Slot == 0 {
		e.completeCycle(o)
		return true
	}
	if buy, ok := e.buys[lvl.Slot]; ok {
		if err := buy.Transition(strategy.LevelLive); err != nil {
			e.log.Warn("buy level reactivation", zap.Error(err))
		}
		buy.FilledAt = time.Time{}
	}
	if paired, ok := e.orders[lvl.PairedOrderID]; ok {
		paired.Status = order.StatusLive
	}
	return false
}

func (e *Engine) rejected(lvl *strategy.GridLevel, px float64, err error) {
	lvl.MarkRetry(err)
	e.mon.RecordOrderRejected(string(lvl.Side))
	e.log.Warn("market order failed, level kept for retry",
		zap.Int("slot", lvl.Slot),
		zap.String("side", string(lvl.Side)),
		zap.Float64("price", px),
		zap.Float64("entry", lvl.EntryPrice),
		zap.Int("attempts", lvl.Attempts),
		zap.Error(err))
	e.journal.Record(journal.Entry{
		Kind:   journal.KindRejected,
		InstID: e.cfg.InstID,
		Side:   string(lvl.Side),
		Slot:   lvl.Slot,
		Price:  px,
		Size:   lvl.Size,
		Note:   err.Error(),
	})
	e.version++
}

func (e *Engine) recordPlaced(o order.StrategyOrder) {
	e.log.LogOrder("placed", o.ID, map[string]interface{}{
		"side":   string(o.Side),
		"slot":   o.Slot,
		"price":  o.FilledPrice,
		"entry":  o.EntryPrice,
		"size":   o.Size,
		"paired": o.PairedOrderID,
	})
	e.journal.Record(journal.Entry{
		Kind:          journal.KindPlaced,
		InstID:        e.cfg.InstID,
		OrderID:       o.ID,
		PairedOrderID: o.PairedOrderID,
		Side:          string(o.Side),
		Slot:          o.Slot,
		State:         string(o.Status),
		Price:         o.FilledPrice,
		Size:          o.Size,
	})
}

// completeCycle slot 0 卖出成交：无条件清空全部状态。
func (e *Engine) completeCycle(o order.StrategyOrder) {
	e.clearAll()
	e.setState(StateResetting)
	e.mon.RecordCycleCompleted()
	e.log.Info("grid cycle complete, state reset", zap.String("ordId", o.ID), zap.Float64("price", o.FilledPrice))
	e.journal.Record(journal.Entry{Kind: journal.KindCycleReset, InstID: e.cfg.InstID, OrderID: o.ID, Price: o.FilledPrice})
	e.notify(CycleCompleteMessage)
}

func (e *Engine) clearAll() {
	e.buys = make(map[int]*strategy.GridLevel)
	e.sells = make(map[int]*strategy.GridLevel)
	e.orders = make(map[string]*order.StrategyOrder)
	e.anchorOrderID = ""
	e.version++
}

// regenerate 重建网格；存在已成交/部分成交订单时拒绝。
func (e *Engine) regenerate(anchor float64, count int) error {
	if e.hasFillInFlight() {
		return ErrOrdersInFlight
	}
	if count <= 0 {
		count = e.cfg.LevelCount
	}
	buys, err := e.builder.BuildBuyGrid(anchor, count)
	if err != nil {
		return err
	}
	sells := e.builder.BuildSellGrid(buys)

	e.buys = make(map[int]*strategy.GridLevel, len(buys))
	for i := range buys {
		e.buys[buys[i].Slot] = &buys[i]
	}
	e.sells = make(map[int]*strategy.GridLevel, len(sells))
	for i := range sells {
		e.sells[sells[i].Slot] = &sells[i]
	}
	e.orders = make(map[string]*order.StrategyOrder)
	e.anchorOrderID = ""
	e.anchorPrice = anchor
	e.version++
	e.setState(StateActive)

	e.mon.RecordRegeneration(anchor)
	e.log.Info("grid regenerated",
		zap.Float64("anchor", anchor),
		zap.Int("levels", count),
		zap.Float64("top", buys[0].EntryPrice),
		zap.Float64("bottom", buys[len(buys)-1].EntryPrice))
	e.journal.Record(journal.Entry{Kind: journal.KindRegenerate, InstID: e.cfg.InstID, Price: anchor, Note: fmt.Sprintf("levels=%d", count)})
	return nil
}

func (e *Engine) hasFillInFlight() bool {
	for _, o := range e.orders {
		if o.Status.IsFill() {
			return true
		}
	}
	return false
}

func sortedSlots(m map[int]*strategy.GridLevel) []int {
	slots := make([]int, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}
