package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// TradeModeIsolated 逐仓保证金模式。
const TradeModeIsolated = "isolated"

// MarketRequest 交易所市价单请求。
type MarketRequest struct {
	InstID        string
	TradeMode     string
	Side          Side
	Size          string
	ReduceOnly    bool
	ClientOrderID string
}

// Ack 交易所受理结果。
type Ack struct {
	OrderID       string
	ClientOrderID string
	// Size 交易所回报的数量（data[0].sz），为空时使用请求数量
	Size string
}

// Gateway 提供市价下单抽象；与 gateway.OKXRESTClient 对接。
type Gateway interface {
	PlaceMarket(ctx context.Context, req MarketRequest) (Ack, error)
}

var (
	ErrInvalidIntent = errors.New("invalid order intent")
	ErrEmptyOrderID  = errors.New("venue returned empty order id")
)

// Executor 将网格档位转换为市价单；不持有任何订单状态。
type Executor struct {
	gw      Gateway
	inst    Instrument
	timeout time.Duration

	now      func() time.Time
	clientID func() string
}

// ExecutorOption 可选配置。
type ExecutorOption func(*Executor)

// WithPlaceTimeout 单次下单的超时时间，<=0 表示仅依赖调用方 ctx。
func WithPlaceTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithClientIDGenerator 替换 clOrdId 生成器。
func WithClientIDGenerator(fn func() string) ExecutorOption {
	return func(e *Executor) { e.clientID = fn }
}

func NewExecutor(gw Gateway, inst Instrument, opts ...ExecutorOption) *Executor {
	e := &Executor{
		gw:       gw,
		inst:     inst,
		now:      time.Now,
		clientID: newClientOrderID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Instrument 返回执行器使用的合约参数。
func (e *Executor) Instrument() Instrument {
	return e.inst
}

// PlaceMarketBuy 市价买入；成功时以触发价格记为成交价。
func (e *Executor) PlaceMarketBuy(ctx context.Context, in Intent, price float64) (Placement, error) {
	return e.place(ctx, SideBuy, in, price, false)
}

// PlaceMarketSell 市价卖出（reduceOnly）。
func (e *Executor) PlaceMarketSell(ctx context.Context, in Intent, price float64) (Placement, error) {
	return e.place(ctx, SideSell, in, price, true)
}

func (e *Executor) place(ctx context.Context, side Side, in Intent, price float64, reduceOnly bool) (Placement, error) {
	if e.gw == nil {
		return Placement{}, fmt.Errorf("order gateway not set")
	}
	if in.Size <= 0 {
		return Placement{}, fmt.Errorf("%w: slot %d size %v", ErrInvalidIntent, in.Slot, in.Size)
	}
	if err := e.inst.CheckOrder(in.EntryPrice, in.Size); err != nil {
		return Placement{}, fmt.Errorf("%w: slot %d: %v", ErrInvalidIntent, in.Slot, err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := MarketRequest{
		InstID:        e.inst.InstID,
		TradeMode:     TradeModeIsolated,
		Side:          side,
		Size:          e.inst.FormatSize(in.Size),
		ReduceOnly:    reduceOnly,
		ClientOrderID: e.clientID(),
	}
	ack, err := e.gw.PlaceMarket(ctx, req)
	if err != nil {
		return Placement{}, fmt.Errorf("place market %s slot %d: %w", side, in.Slot, err)
	}
	if ack.OrderID == "" {
		return Placement{}, fmt.Errorf("place market %s slot %d: %w", side, in.Slot, ErrEmptyOrderID)
	}

	size := e.inst.RoundSize(in.Size)
	if ack.Size != "" {
		if sz, err := cast.ToFloat64E(ack.Size); err == nil && sz > 0 {
			size = sz
		}
	}

	now := e.now()
	o := StrategyOrder{
		ID:            ack.OrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          side,
		EntryPrice:    in.EntryPrice,
		ClosePrice:    in.ClosePrice,
		Size:          size,
		Status:        StatusFilled,
		FilledPrice:   price,
		Slot:          in.Slot,
		PairedOrderID: in.PairedOrderID,
		CreatedAt:     now,
		FilledAt:      now,
	}
	return Placement{
		Order:       o,
		CycleAnchor: side == SideBuy && in.Slot == 0,
	}, nil
}

// newClientOrderID OKX clOrdId 只允许字母数字，最长 32 位。
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
