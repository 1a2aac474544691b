package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okx-grid-go/gateway"
	"okx-grid-go/internal/journal"
	"okx-grid-go/market"
	"okx-grid-go/order"
	"okx-grid-go/strategy"
)

type fakePlacer struct {
	mu     sync.Mutex
	calls  []order.Intent
	prices []float64
	fail   map[float64]error
	seq    int
}

func (p *fakePlacer) PlaceMarketBuy(ctx context.Context, in order.Intent, price float64) (order.Placement, error) {
	return p.place(order.SideBuy, in, price)
}

func (p *fakePlacer) PlaceMarketSell(ctx context.Context, in order.Intent, price float64) (order.Placement, error) {
	return p.place(order.SideSell, in, price)
}

func (p *fakePlacer) place(side order.Side, in order.Intent, price float64) (order.Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, in)
	p.prices = append(p.prices, price)
	if err, ok := p.fail[price]; ok {
		return order.Placement{}, err
	}
	p.seq++
	now := time.Now()
	return order.Placement{
		Order: order.StrategyOrder{
			ID:            fmt.Sprintf("o%d", p.seq),
			Side:          side,
			EntryPrice:    in.EntryPrice,
			ClosePrice:    in.ClosePrice,
			Size:          in.Size,
			Status:        order.StatusFilled,
			FilledPrice:   price,
			Slot:          in.Slot,
			PairedOrderID: in.PairedOrderID,
			CreatedAt:     now,
			FilledAt:      now,
		},
		CycleAnchor: side == order.SideBuy && in.Slot == 0,
	}, nil
}

func (p *fakePlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSwitch struct{ on atomic.Bool }

func (s *fakeSwitch) Running() bool { return s.on.Load() }

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(e journal.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *memJournal) kinds(k journal.Kind) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type harness struct {
	e      *Engine
	placer *fakePlacer
	sw     *fakeSwitch
	notes  *fakeNotifier
	jr     *memJournal
	prices chan float64
	events *market.EventQueue[gateway.OrderMessage]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithPoll(t, 10*time.Millisecond)
}

func newHarnessWithPoll(t *testing.T, poll time.Duration) *harness {
	t.Helper()
	inst := order.Instrument{InstID: "BTC-USDT-SWAP", TickSize: 0.001, LotSize: 0.01, MinSize: 0.01, ContractValue: 0.01}
	params := strategy.GridParams{Balance: 50, RiskPerLevel: 0.01, Step: 0.003, ProfitTarget: 0.004}
	h := &harness{
		placer: &fakePlacer{fail: map[float64]error{}},
		sw:     &fakeSwitch{},
		notes:  &fakeNotifier{},
		jr:     &memJournal{},
		prices: make(chan float64, 1),
		events: market.NewEventQueue[gateway.OrderMessage](),
	}
	h.sw.on.Store(true)
	e, err := New(Config{InstID: inst.InstID, LevelCount: 3, PausePoll: poll}, Components{
		Placer:   h.placer,
		Builder:  strategy.NewBuilder(params, inst),
		Prices:   h.prices,
		Events:   h.events,
		Switch:   h.sw,
		Notifier: h.notes,
		Journal:  h.jr,
	})
	require.NoError(t, err)
	h.e = e
	return h
}

// pendingNotes 读取尚未被后台发送的通知（直接调用内部方法时没有 notifyLoop）。
func (h *harness) pendingNotes() []string {
	var out []string
	for {
		select {
		case s := <-h.e.notifyCh:
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)
	_, err = New(Config{InstID: "X", LevelCount: 1}, Components{})
	assert.Error(t, err)
}

func TestRegenerateBuildsGrid(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateUninitialized, h.e.State())

	require.NoError(t, h.e.regenerate(100, 0))
	assert.Equal(t, StateActive, h.e.State())
	require.Len(t, h.e.buys, 3)
	require.Len(t, h.e.sells, 3)
	assert.Equal(t, 99.7, h.e.buys[1].EntryPrice)
	assert.Equal(t, strategy.LevelLive, h.e.buys[2].Status)
	assert.Equal(t, strategy.LevelCalculated, h.e.sells[0].Status)
	assert.Equal(t, 1, h.jr.kinds(journal.KindRegenerate))

	assert.ErrorIs(t, h.e.regenerate(-1, 3), strategy.ErrInvalidAnchor)
}

func TestPriceCrossingFillsInSlotOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	ctx := context.Background()

	h.e.onPrice(ctx, 105)
	h.e.onPrice(ctx, 101)
	assert.Zero(t, h.placer.count())

	h.e.onPrice(ctx, 99)
	require.Equal(t, 3, h.placer.count())
	for i, in := range h.placer.calls {
		assert.Equal(t, i, in.Slot)
		assert.Equal(t, order.SideBuy, in.Side)
	}
	for slot := 0; slot < 3; slot++ {
		assert.Equal(t, strategy.LevelFilled, h.e.buys[slot].Status)
		assert.Equal(t, strategy.LevelLive, h.e.sells[slot].Status)
		assert.Equal(t, fmt.Sprintf("o%d", slot+1), h.e.sells[slot].PairedOrderID)
	}
	assert.Equal(t, "o1", h.e.anchorOrderID)
	assert.Len(t, h.e.orders, 3)
}

func TestFullCycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	ctx := context.Background()

	h.e.onPrice(ctx, 100)
	require.Equal(t, 1, h.placer.count())
	assert.Equal(t, strategy.LevelLive, h.e.sells[0].Status)
	assert.Equal(t, 100.4, h.e.sells[0].EntryPrice)

	h.e.onPrice(ctx, 99.7)
	require.Equal(t, 2, h.placer.count())
	assert.Equal(t, 100.099, h.e.sells[1].EntryPrice)

	// slot 1 止盈：买单档位重新激活，配对买单标记为 live
	h.e.onPrice(ctx, 100.1)
	require.Equal(t, 3, h.placer.count())
	assert.Equal(t, order.SideSell, h.placer.calls[2].Side)
	assert.Equal(t, "o2", h.placer.calls[2].PairedOrderID)
	assert.Equal(t, strategy.LevelFilled, h.e.sells[1].Status)
	assert.Equal(t, strategy.LevelLive, h.e.buys[1].Status)
	assert.Equal(t, order.StatusLive, h.e.orders["o2"].Status)
	assert.Equal(t, order.StatusFilled, h.e.orders["o3"].Status)
	assert.ErrorIs(t, h.e.regenerate(101, 3), ErrOrdersInFlight)

	// slot 0 止盈：整轮结束，全部清空
	h.e.onPrice(ctx, 100.5)
	require.Equal(t, 4, h.placer.count())
	assert.Equal(t, StateResetting, h.e.State())
	assert.Empty(t, h.e.buys)
	assert.Empty(t, h.e.sells)
	assert.Empty(t, h.e.orders)
	assert.Empty(t, h.e.anchorOrderID)
	assert.Equal(t, []string{CycleCompleteMessage}, h.pendingNotes())
	assert.Equal(t, 1, h.jr.kinds(journal.KindCycleReset))

	require.NoError(t, h.e.regenerate(100.5, 3))
	assert.Equal(t, StateActive, h.e.State())
}

func TestCycleResetStopsEvaluation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	ctx := context.Background()

	h.e.onPrice(ctx, 99.4) // 三档全部买入
	require.Equal(t, 3, h.placer.count())

	// 101 同时越过三个卖单档位，slot 0 先成交并清空，其余不再处理
	h.e.onPrice(ctx, 101)
	require.Equal(t, 4, h.placer.count())
	assert.Equal(t, 0, h.placer.calls[3].Slot)
	assert.Empty(t, h.e.sells)
}

func TestFailedOrderRetriesOnNextPrice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	h.placer.fail[99.9] = errors.New("insufficient margin")
	ctx := context.Background()

	h.e.onPrice(ctx, 99.9)
	require.Equal(t, 1, h.placer.count())
	lvl := h.e.buys[0]
	assert.Equal(t, strategy.LevelLive, lvl.Status)
	assert.Equal(t, strategy.RetryPending, lvl.Retry)
	assert.Equal(t, 1, lvl.Attempts)
	assert.Contains(t, lvl.LastError, "insufficient margin")
	assert.Equal(t, strategy.LevelCalculated, h.e.sells[0].Status)
	assert.Empty(t, h.e.orders)

	h.e.publish(true)
	worst, attempts := h.e.Snapshot().WorstRetry()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, worst.Slot)
	assert.Equal(t, order.SideBuy, worst.Side)

	// 相同价格不重复评估
	h.e.onPrice(ctx, 99.9)
	assert.Equal(t, 1, h.placer.count())

	h.e.onPrice(ctx, 99.8)
	require.Equal(t, 2, h.placer.count())
	assert.Equal(t, strategy.LevelFilled, lvl.Status)
	assert.Equal(t, strategy.RetryNone, lvl.Retry)
	assert.Empty(t, lvl.LastError)
	assert.Equal(t, 1, h.jr.kinds(journal.KindRejected))
}

func TestOrderEventsUpdateKnownOrders(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	h.e.onPrice(context.Background(), 100)
	require.Contains(t, h.e.orders, "o1")

	h.events.Push(gateway.OrderMessage{Data: []gateway.OrderUpdate{
		{OrdID: "unknown", State: "filled", AccFillSz: "1", AvgPx: "1"},
		{OrdID: "o1", State: "canceled"},
		{OrdID: "o1", State: "partially_filled", AccFillSz: "0.3", AvgPx: "99.95", NotionalUSD: "29.9", Fee: "-0.01"},
	}})
	h.events.Push(gateway.OrderMessage{Data: []gateway.OrderUpdate{
		{OrdID: "o1", State: "filled", AccFillSz: "0.5", AvgPx: "99.96", NotionalUSD: "49.98", Fee: "-0.02"},
	}})
	h.e.drainOrderEvents()

	o := h.e.orders["o1"]
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, 0.5, o.Size)
	assert.Equal(t, 0.5, o.FilledSize)
	assert.Equal(t, 99.96, o.FilledPrice)
	assert.Equal(t, 49.98, o.NotionalUSD)
	assert.Equal(t, -0.02, o.Fee)
	assert.Len(t, h.e.orders, 1)
	assert.Zero(t, h.events.Len())

	assert.Equal(t, []string{
		"🛒 Buy (partial) at 99.95 | 29.90 USDT",
		"🛒 Buy at 99.96 | 49.98 USDT",
	}, h.pendingNotes())
	assert.Equal(t, 2, h.jr.kinds(journal.KindFill))
}

func TestMalformedOrderEventIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	h.e.onPrice(context.Background(), 100)

	h.events.Push(gateway.OrderMessage{Data: []gateway.OrderUpdate{{OrdID: "o1", State: "filled", AvgPx: "abc"}}})
	h.e.drainOrderEvents()
	assert.Equal(t, 100.0, h.e.orders["o1"].FilledPrice)
	assert.Empty(t, h.pendingNotes())
}

func TestPauseClearsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	h.e.onPrice(context.Background(), 100)

	h.e.pause()
	assert.Equal(t, StatePaused, h.e.State())
	assert.Empty(t, h.e.buys)
	assert.Empty(t, h.e.orders)
	h.e.pause()
	assert.Equal(t, 1, h.jr.kinds(journal.KindPauseClear))

	h.e.resume()
	assert.Equal(t, StateUninitialized, h.e.State())
	h.e.resume()
	require.NoError(t, h.e.regenerate(100, 3))
}

func TestFillMessage(t *testing.T) {
	assert.Equal(t, "💰 Sell at 100.4 | 50.20 USDT", FillMessage(order.SideSell, order.StatusFilled, "100.4", 50.2))
	assert.Equal(t, "💰 Sell (partial) at 100.4 | 1.00 USDT", FillMessage(order.SideSell, order.StatusPartiallyFilled, "100.4", 1))
}

func TestRunLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	require.NoError(t, h.e.Regenerate(ctx, 100, 3))
	require.Eventually(t, func() bool { return h.e.Snapshot().State == "ACTIVE" }, time.Second, 5*time.Millisecond)

	h.prices <- 100
	require.Eventually(t, func() bool {
		s := h.e.Snapshot()
		return len(s.Orders) == 1 && s.Buys[0].Status == strategy.LevelFilled
	}, time.Second, 5*time.Millisecond)
	snap := h.e.Snapshot()
	assert.Equal(t, 100.0, snap.LastPrice)
	assert.Equal(t, "o1", snap.AnchorOrderID)
	buys, sells := snap.LiveLevels()
	assert.Equal(t, 2, buys)
	assert.Equal(t, 1, sells)

	assert.ErrorIs(t, h.e.Regenerate(ctx, 101, 3), ErrOrdersInFlight)

	// 通过事件队列推送成交，触发后台通知
	h.events.Push(gateway.OrderMessage{Data: []gateway.OrderUpdate{{OrdID: "o1", State: "filled", AccFillSz: "0.5", AvgPx: "100", NotionalUSD: "50"}}})
	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "🛒 Buy at 100 | 50.00 USDT", h.notes.all()[0])

	// 暂停：清空并拒绝重建
	h.sw.on.Store(false)
	require.Eventually(t, func() bool { return h.e.State() == StatePaused }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.e.Regenerate(ctx, 100, 3), ErrPaused)
	assert.Empty(t, h.e.Snapshot().Orders)

	h.sw.on.Store(true)
	require.Eventually(t, func() bool { return h.e.Regenerate(ctx, 100, 3) == nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.e.UpdateParams(strategy.GridParams{Balance: 100, RiskPerLevel: 0.01, Step: 0.01, ProfitTarget: 0.004}))
	assert.Error(t, h.e.UpdateParams(strategy.GridParams{}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, StateStopped, h.e.State())
	assert.ErrorIs(t, h.e.Regenerate(context.Background(), 100, 3), ErrStopped)
	assert.Error(t, h.e.Run(context.Background()))
}

func TestPausedWhileWaitingDropsPrice(t *testing.T) {
	// 轮询间隔足够长，暂停只能在等待价格时生效
	h := newHarnessWithPoll(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	require.NoError(t, h.e.Regenerate(ctx, 100, 3))
	require.Eventually(t, func() bool { return h.e.State() == StateActive }, time.Second, 5*time.Millisecond)

	h.sw.on.Store(false)
	h.prices <- 99
	require.Eventually(t, func() bool { return h.e.State() == StatePaused }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.placer.count())
	assert.Empty(t, h.e.Snapshot().Orders)
	assert.Equal(t, 1, h.jr.kinds(journal.KindPauseClear))

	cancel()
	require.NoError(t, <-done)
}

func TestParamsApplyOnNextRegeneration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.regenerate(100, 3))
	h.e.applyParams(strategy.GridParams{Balance: 50, RiskPerLevel: 0.01, Step: 0.01, ProfitTarget: 0.004})
	assert.Equal(t, 99.7, h.e.buys[1].EntryPrice)

	require.NoError(t, h.e.regenerate(100, 3))
	assert.Equal(t, 99.0, h.e.buys[1].EntryPrice)
}
