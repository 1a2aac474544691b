package engine

import (
	"sort"
	"time"

	"okx-grid-go/order"
	"okx-grid-go/strategy"
)

// Snapshot 引擎状态的只读拷贝，供状态查询接口使用。
type Snapshot struct {
	State         string                `json:"state"`
	Version       uint64                `json:"version"`
	LastPrice     float64               `json:"lastPrice"`
	AnchorPrice   float64               `json:"anchorPrice"`
	AnchorOrderID string                `json:"anchorOrderId,omitempty"`
	Buys          []strategy.GridLevel  `json:"buys"`
	Sells         []strategy.GridLevel  `json:"sells"`
	Orders        []order.StrategyOrder `json:"orders"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// LiveLevels 返回处于 live 的买/卖档位数量。
func (s *Snapshot) LiveLevels() (buys, sells int) {
	for _, l := range s.Buys {
		if l.Status == strategy.LevelLive {
			buys++
		}
	}
	for _, l := range s.Sells {
		if l.Status == strategy.LevelLive {
			sells++
		}
	}
	return buys, sells
}

// WorstRetry 返回重试次数最多的档位；没有失败时 attempts 为 0。
func (s *Snapshot) WorstRetry() (lvl strategy.GridLevel, attempts int) {
	for _, levels := range [][]strategy.GridLevel{s.Buys, s.Sells} {
		for _, l := range levels {
			if l.Attempts > attempts {
				lvl, attempts = l, l.Attempts
			}
		}
	}
	return lvl, attempts
}

type publishMark struct {
	version uint64
	state   EngineState
	price   float64
}

// publish 状态有变化时发布新快照。
func (e *Engine) publish(force bool) {
	mark := publishMark{version: e.version, state: e.State(), price: e.lastPrice}
	if !force && mark == e.published {
		return
	}
	e.published = mark

	snap := &Snapshot{
		State:         mark.state.String(),
		Version:       e.version,
		LastPrice:     e.lastPrice,
		AnchorPrice:   e.anchorPrice,
		AnchorOrderID: e.anchorOrderID,
		Buys:          make([]strategy.GridLevel, 0, len(e.buys)),
		Sells:         make([]strategy.GridLevel, 0, len(e.sells)),
		Orders:        make([]order.StrategyOrder, 0, len(e.orders)),
		UpdatedAt:     time.Now(),
	}
	for _, slot := range sortedSlots(e.buys) {
		snap.Buys = append(snap.Buys, *e.buys[slot])
	}
	for _, slot := range sortedSlots(e.sells) {
		snap.Sells = append(snap.Sells, *e.sells[slot])
	}
	for _, o := range e.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	sortOrders(snap.Orders)

	buys, sells := snap.LiveLevels()
	e.mon.UpdateLiveLevels(string(order.SideBuy), buys)
	e.mon.UpdateLiveLevels(string(order.SideSell), sells)
	e.snapshot.Store(snap)
}

func sortOrders(orders []order.StrategyOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
