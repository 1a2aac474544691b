package strategy

import "fmt"

// LevelStatus 网格档位状态。
type LevelStatus string

const (
	LevelCalculated LevelStatus = "calculated" // 已计算未激活（卖单等待买单成交）
	LevelLive       LevelStatus = "live"
	LevelFilled     LevelStatus = "filled"
)

// RetryState 档位下单失败后的重试状态。
type RetryState string

const (
	RetryNone    RetryState = "none"
	RetryPending RetryState = "pending" // 下次价格满足条件时重新下单
)

type levelTransition struct {
	From LevelStatus
	To   LevelStatus
}

// 合法的档位状态转换
var levelTransitions = map[levelTransition]bool{
	{LevelLive, LevelFilled}:     true, // 价格触发并下单成功
	{LevelCalculated, LevelLive}: true, // 卖单随买单成交激活
	{LevelFilled, LevelLive}:     true, // 卖单成交后买单重新激活
}

// ValidateLevelTransition 验证档位状态转换是否合法，相同状态视为幂等。
func ValidateLevelTransition(from, to LevelStatus) error {
	if from == to {
		return nil
	}
	if !levelTransitions[levelTransition{From: from, To: to}] {
		return fmt.Errorf("illegal level transition: %s -> %s", from, to)
	}
	return nil
}

// Transition 修改档位状态，非法转换返回错误且不修改。
func (l *GridLevel) Transition(to LevelStatus) error {
	if err := ValidateLevelTransition(l.Status, to); err != nil {
		return fmt.Errorf("slot %d %s: %w", l.Slot, l.Side, err)
	}
	l.Status = to
	return nil
}

// MarkRetry 记录下单失败，档位保持原状态等待重试。
func (l *GridLevel) MarkRetry(err error) {
	l.Retry = RetryPending
	l.Attempts++
	if err != nil {
		l.LastError = err.Error()
	}
}

// ClearRetry 下单成功后清理重试状态。
func (l *GridLevel) ClearRetry() {
	l.Retry = RetryNone
	l.Attempts = 0
	l.LastError = ""
}
