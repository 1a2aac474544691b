package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"okx-grid-go/gateway"
	"okx-grid-go/internal/journal"
	"okx-grid-go/order"
)

// CycleCompleteMessage slot 0 卖出后发送的通知
const CycleCompleteMessage = "✅ Setup Done"

// FillMessage 成交通知文本，例如 "🛒 Buy (partial) at 99.7 | 29.90 USDT"。
func FillMessage(side order.Side, st order.Status, avgPx string, notional float64) string {
	icon, label := "🛒", "Buy"
	if side == order.SideSell {
		icon, label = "💰", "Sell"
	}
	if st == order.StatusPartiallyFilled {
		label += " (partial)"
	}
	return fmt.Sprintf("%s %s at %s | %.2f USDT", icon, label, avgPx, notional)
}

// drainOrderEvents 取出队列中全部订单推送并按到达顺序应用。
func (e *Engine) drainOrderEvents() {
	msgs := e.events.Drain()
	e.mon.UpdateOrderQueueDepth(e.events.Len())
	for _, msg := range msgs {
		for _, u := range msg.Data {
			e.applyOrderUpdate(u)
		}
	}
}

// applyOrderUpdate 只处理本引擎下过的订单的 filled / partially_filled 推送。
func (e *Engine) applyOrderUpdate(u gateway.OrderUpdate) {
	st, ok := order.ParseStatus(u.State)
	if !ok || !st.IsFill() {
		return
	}
	o, ok := e.orders[u.OrdID]
	if !ok {
		return
	}
	size, avgPx, notional, fee, err := u.Numbers()
	if err != nil {
		e.log.Warn("malformed order update", zap.String("ordId", u.OrdID), zap.Error(err))
		return
	}

	o.Status = st
	o.Size = size
	o.FilledSize = size
	o.FilledPrice = avgPx
	o.NotionalUSD = notional
	o.Fee = fee
	e.version++

	e.mon.RecordFill(string(o.Side), string(st))
	e.log.LogTrade("fill", map[string]interface{}{
		"ordId":    o.ID,
		"side":     string(o.Side),
		"slot":     o.Slot,
		"state":    string(st),
		"avgPx":    avgPx,
		"size":     size,
		"notional": notional,
		"fee":      fee,
	})
	e.journal.Record(journal.Entry{
		Kind:          journal.KindFill,
		InstID:        e.cfg.InstID,
		OrderID:       o.ID,
		PairedOrderID: o.PairedOrderID,
		Side:          string(o.Side),
		Slot:          o.Slot,
		State:         string(st),
		Price:         avgPx,
		Size:          size,
		NotionalUSD:   notional,
		Fee:           fee,
	})
	e.notify(FillMessage(o.Side, st, u.AvgPx, notional))
}

// notify 非阻塞投递，队列满时丢弃。
func (e *Engine) notify(text string) {
	if e.notifier == nil {
		e.log.Info("notification", zap.String("text", text))
		return
	}
	select {
	case e.notifyCh <- text:
	default:
		e.mon.RecordNotifyFailure()
		e.log.Warn("notification queue full, dropped", zap.String("text", text))
	}
}

func (e *Engine) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-e.notifyCh:
			nctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
			err := e.notifier.Notify(nctx, text)
			cancel()
			if err != nil {
				e.mon.RecordNotifyFailure()
				e.log.Warn("notification failed", zap.String("text", text), zap.Error(err))
			}
		}
	}
}
