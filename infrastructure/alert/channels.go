package alert

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *logger.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{logger: log, name: name}
}

// Send 发送告警到日志
func (c *LogChannel) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("level", alert.Level),
		zap.Time("alert_ts", alert.Timestamp),
	}
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelError, LevelCritical:
		c.logger.Error(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// TelegramChannel 通过 Telegram Bot 发送告警
type TelegramChannel struct {
	client *TelegramClient
	name   string
}

// NewTelegramChannel 创建 Telegram 告警通道
func NewTelegramChannel(name string, client *TelegramClient) *TelegramChannel {
	return &TelegramChannel{client: client, name: name}
}

// Send 发送告警到 Telegram 会话；INFO 只发送正文
func (c *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	text := alert.Message
	if alert.Level != LevelInfo {
		text = fmt.Sprintf("[%s] %s", alert.Level, alert.Message)
	}
	return c.client.SendMessage(ctx, text)
}

// Name 返回通道名称
func (c *TelegramChannel) Name() string {
	return c.name
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = v
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// Count 已接收告警数
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
