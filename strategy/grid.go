package strategy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"okx-grid-go/order"
)

// DefaultRiskPerLevel 每档占用余额比例（1%）。
const DefaultRiskPerLevel = 0.01

// GridLevel 定义单个网格档位。
type GridLevel struct {
	Slot       int
	Side       order.Side
	EntryPrice float64
	// ClosePrice 仅买单档位有效；卖单档位为 0。
	ClosePrice    float64
	Size          float64
	Status        LevelStatus
	PairedOrderID string
	CreatedAt     time.Time
	FilledAt      time.Time

	Retry     RetryState
	Attempts  int
	LastError string
}

// Intent 转换为下单意图。
func (l GridLevel) Intent() order.Intent {
	return order.Intent{
		Slot:          l.Slot,
		Side:          l.Side,
		EntryPrice:    l.EntryPrice,
		ClosePrice:    l.ClosePrice,
		Size:          l.Size,
		PairedOrderID: l.PairedOrderID,
	}
}

// Crossed 判断当前价格是否触发该档位：买单 price <= entry，卖单 price >= entry。
func (l GridLevel) Crossed(price float64) bool {
	if l.Status != LevelLive {
		return false
	}
	if l.Side == order.SideBuy {
		return price <= l.EntryPrice
	}
	return price >= l.EntryPrice
}

// GridParams 网格参数。
type GridParams struct {
	Balance      float64
	RiskPerLevel float64
	Step         float64
	ProfitTarget float64
}

// Validate 检查网格参数。
func (p GridParams) Validate() error {
	if p.Balance <= 0 {
		return fmt.Errorf("balance must be > 0")
	}
	if p.RiskPerLevel <= 0 || p.RiskPerLevel > 1 {
		return fmt.Errorf("riskPerLevel must be in (0,1]")
	}
	if p.Step <= 0 || p.Step >= 1 {
		return fmt.Errorf("step must be in (0,1)")
	}
	if p.ProfitTarget <= 0 {
		return fmt.Errorf("profitTarget must be > 0")
	}
	return nil
}

var ErrInvalidAnchor = errors.New("anchor price must be > 0")

// Builder 根据锚定价生成买卖两条梯子，纯计算无副作用。
type Builder struct {
	params GridParams
	inst   order.Instrument
	now    func() time.Time
}

func NewBuilder(params GridParams, inst order.Instrument) *Builder {
	if params.RiskPerLevel <= 0 {
		params.RiskPerLevel = DefaultRiskPerLevel
	}
	return &Builder{params: params, inst: inst, now: time.Now}
}

// Params 当前参数。
func (b *Builder) Params() GridParams {
	return b.params
}

// WithParams 返回使用新参数的 Builder 副本。
func (b *Builder) WithParams(p GridParams) *Builder {
	nb := *b
	if p.RiskPerLevel <= 0 {
		p.RiskPerLevel = DefaultRiskPerLevel
	}
	nb.params = p
	return &nb
}

// BuildBuyGrid 生成 count 个买单档位，slot i 的价格为 anchor*(1-step*i)。
func (b *Builder) BuildBuyGrid(anchor float64, count int) ([]GridLevel, error) {
	if anchor <= 0 || math.IsNaN(anchor) || math.IsInf(anchor, 0) {
		return nil, ErrInvalidAnchor
	}
	if count <= 0 {
		return nil, fmt.Errorf("level count must be > 0, got %d", count)
	}
	now := b.now()
	notional := b.params.Balance * b.params.RiskPerLevel
	levels := make([]GridLevel, 0, count)
	for i := 0; i < count; i++ {
		entry := b.inst.RoundPrice(anchor * (1 - b.params.Step*float64(i)))
		levels = append(levels, GridLevel{
			Slot:       i,
			Side:       order.SideBuy,
			EntryPrice: entry,
			ClosePrice: b.inst.RoundPrice(entry * (1 + b.params.ProfitTarget)),
			Size:       b.sizeFor(entry, notional),
			Status:     LevelLive,
			Retry:      RetryNone,
			CreatedAt:  now,
		})
	}
	return levels, nil
}

// BuildSellGrid 为每个买单档位生成配对卖单：价格为买单的止盈价，状态 calculated。
func (b *Builder) BuildSellGrid(buys []GridLevel) []GridLevel {
	now := b.now()
	sells := make([]GridLevel, 0, len(buys))
	for _, buy := range buys {
		sells = append(sells, GridLevel{
			Slot:          buy.Slot,
			Side:          order.SideSell,
			EntryPrice:    buy.ClosePrice,
			Size:          buy.Size,
			Status:        LevelCalculated,
			Retry:         RetryNone,
			PairedOrderID: strconv.Itoa(buy.Slot),
			CreatedAt:     now,
		})
	}
	return sells
}

// sizeFor 名义价值换算为合约张数，按 lot 取整且不低于最小下单量。
func (b *Builder) sizeFor(entry, notional float64) float64 {
	lot := b.inst.LotSize
	contracts := notional / (entry * b.inst.ContractValue)
	size := math.Round(contracts/lot) * lot
	if size < b.inst.MinSize {
		size = b.inst.MinSize
	}
	return b.inst.RoundSize(size)
}
