package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"okx-grid-go/gateway"
	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/infrastructure/monitor"
)

// FeedConfig 行情与订单推送配置。
type FeedConfig struct {
	InstID      string
	InstType    string
	PublicURL   string
	PrivateURL  string
	Credentials gateway.Credentials

	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Feed 管理公共（tickers）与私有（orders）两条连接，输出最新价格与订单事件。
type Feed struct {
	public  *gateway.WSConn
	private *gateway.WSConn

	prices *LatestSlot[float64]
	events *EventQueue[gateway.OrderMessage]

	log *logger.Logger
	mon *monitor.Monitor

	running  atomic.Bool
	lastTick atomic.Int64 // unix nano
	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	done     chan struct{}
}

func NewFeed(cfg FeedConfig, log *logger.Logger, mon *monitor.Monitor) *Feed {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.InstType == "" {
		cfg.InstType = "SWAP"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = gateway.PublicWSURL
	}
	if cfg.PrivateURL == "" {
		cfg.PrivateURL = gateway.PrivateWSURL
	}
	f := &Feed{
		prices: NewLatestSlot[float64](),
		events: NewEventQueue[gateway.OrderMessage](),
		log:    log.Named("feed"),
		mon:    mon,
		done:   make(chan struct{}),
	}
	creds := cfg.Credentials
	f.public = gateway.NewWSConn(gateway.WSConfig{
		Name:           "public",
		URL:            cfg.PublicURL,
		Subscribe:      []gateway.Arg{{Channel: gateway.ChannelTickers, InstID: cfg.InstID}},
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
	}, f.handlePublic, log, mon)
	f.private = gateway.NewWSConn(gateway.WSConfig{
		Name:           "private",
		URL:            cfg.PrivateURL,
		Subscribe:      []gateway.Arg{{Channel: gateway.ChannelOrders, InstType: cfg.InstType, InstID: cfg.InstID}},
		Credentials:    &creds,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
	}, f.handlePrivate, log, mon)
	return f
}

// Prices 最新价格通道（深度 1，旧值会被覆盖）。
func (f *Feed) Prices() <-chan float64 {
	return f.prices.C()
}

// Events 订单事件队列。
func (f *Feed) Events() *EventQueue[gateway.OrderMessage] {
	return f.events
}

// LastTick 最近一次收到 ticker 的时间；尚未收到时为零值。
func (f *Feed) LastTick() time.Time {
	n := f.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Running 是否运行中。
func (f *Feed) Running() bool {
	return f.running.Load()
}

// Start 并发运行两条连接，两者都结束后返回。
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped || f.cancel != nil {
		f.mu.Unlock()
		return errors.New("feed already started or stopped")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running.Store(true)
	f.mu.Unlock()

	defer close(f.done)
	defer f.running.Store(false)

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs error
	)
	for _, conn := range []*gateway.WSConn{f.public, f.private} {
		wg.Add(1)
		go func(c *gateway.WSConn) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				emu.Lock()
				errs = multierr.Append(errs, err)
				emu.Unlock()
			}
		}(conn)
	}
	wg.Wait()
	cancel()
	return errs
}

// Shutdown 停止运行，关闭两条连接并等待 Start 返回；取消类错误被忽略。
func (f *Feed) Shutdown() error {
	f.mu.Lock()
	f.stopped = true
	cancel := f.cancel
	f.mu.Unlock()

	f.running.Store(false)
	err := multierr.Combine(f.public.Close(), f.private.Close())
	if cancel == nil {
		return err
	}
	cancel()
	<-f.done
	return err
}

func (f *Feed) handlePublic(env gateway.Envelope) {
	if env.Arg.Channel != gateway.ChannelTickers {
		return
	}
	px, err := gateway.ParseTickerLast(env)
	if err != nil {
		f.log.Warn("drop ticker", zap.Error(err))
		return
	}
	f.lastTick.Store(time.Now().UnixNano())
	f.mon.UpdateLastPrice(px)
	if f.prices.Publish(px) {
		f.mon.RecordPriceDropped()
	}
}

func (f *Feed) handlePrivate(env gateway.Envelope) {
	if env.Arg.Channel != gateway.ChannelOrders {
		return
	}
	msg, err := gateway.ParseOrderMessage(env)
	if err != nil {
		f.log.Warn("drop order message", zap.Error(err))
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	f.events.Push(msg)
	f.mon.RecordOrderEvent()
	f.mon.UpdateOrderQueueDepth(f.events.Len())
}
