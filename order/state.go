package order

import "time"

// Side 买卖方向，取值与 OKX side 字段一致。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status 策略订单状态。
type Status string

const (
	StatusLive            Status = "live" // 记账标记：该腿重新开仓
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
)

// ParseStatus 解析推送中的 state 字段，未识别的状态返回 false。
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusLive, StatusPartiallyFilled, StatusFilled:
		return Status(s), true
	default:
		return "", false
	}
}

// IsFill 是否为成交类状态（全部或部分）。
func (s Status) IsFill() bool {
	return s == StatusFilled || s == StatusPartiallyFilled
}

// StrategyOrder 记录一笔已成功提交的市价单及其成交信息。
type StrategyOrder struct {
	ID            string
	ClientOrderID string
	Side          Side
	EntryPrice    float64
	ClosePrice    float64
	Size          float64
	Status        Status
	FilledPrice   float64
	FilledSize    float64
	NotionalUSD   float64
	Fee           float64
	Slot          int
	PairedOrderID string
	CreatedAt     time.Time
	FilledAt      time.Time
}

// Intent 描述一次由网格档位触发的下单意图。
type Intent struct {
	Slot          int
	Side          Side
	EntryPrice    float64
	ClosePrice    float64
	Size          float64
	PairedOrderID string
}

// Placement 下单成功后的结果。
type Placement struct {
	Order StrategyOrder
	// CycleAnchor 为 true 表示 slot 0 的买单，即本轮网格的锚定单。
	CycleAnchor bool
}
