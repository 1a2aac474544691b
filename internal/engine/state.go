package engine

// EngineState 引擎状态
type EngineState int32

const (
	// StateUninitialized 尚未生成网格
	StateUninitialized EngineState = iota
	// StateActive 网格运行中
	StateActive
	// StatePaused 暂停（状态已清空，等待恢复）
	StatePaused
	// StateResetting slot 0 卖出完成，等待下一次重建网格
	StateResetting
	// StateStopped 已停止
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateResetting:
		return "RESETTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
