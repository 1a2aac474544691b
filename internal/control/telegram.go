package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"okx-grid-go/infrastructure/alert"
	"okx-grid-go/infrastructure/logger"
)

// BotAPI Telegram 长轮询与回复，由 alert.TelegramClient 实现。
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alert.TelegramUpdate, error)
	SendTo(ctx context.Context, chatID int64, text string) error
	SetChatID(id int64)
}

const (
	msgMenu        = "🔀 Commands: /run /pause /stop /status"
	msgStarted     = "▶️ Trading bot started."
	msgPaused      = "⏸️ Trading bot paused. Close any remaining positions manually."
	msgStopped     = "💤 Trading bot shut down. Close any remaining positions manually."
	msgStopping    = "Shutdown already in progress, please wait..."
	msgUnknown     = "Unknown command. " + msgMenu
	pollRetryDelay = 3 * time.Second
)

// TelegramControl 处理授权用户的控制命令：/start /run /pause /stop /status。
type TelegramControl struct {
	api         BotAPI
	sw          *Switch
	status      StatusSource
	allowedUser string
	pollTimeout time.Duration
	log         *logger.Logger

	offset int64
}

func NewTelegramControl(api BotAPI, sw *Switch, status StatusSource, allowedUser string, log *logger.Logger) *TelegramControl {
	if log == nil {
		log = logger.NewNop()
	}
	return &TelegramControl{
		api:         api,
		sw:          sw,
		status:      status,
		allowedUser: strings.TrimPrefix(allowedUser, "@"),
		pollTimeout: 30 * time.Second,
		log:         log.Named("telegram"),
	}
}

// Run 长轮询直到 ctx 取消。
func (t *TelegramControl) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		updates, err := t.api.GetUpdates(ctx, t.offset, t.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.log.Warn("getUpdates failed", zap.Error(err))
			if !sleepCtx(ctx, pollRetryDelay) {
				break
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if u.Message != nil {
				t.handle(ctx, u.Message)
			}
		}
	}
	return nil
}

func (t *TelegramControl) handle(ctx context.Context, m *alert.TelegramMessage) {
	cmd := command(m.Text)
	if cmd == "" {
		return
	}
	if m.From.Username != t.allowedUser {
		t.log.Warn("unauthorized command", zap.String("user", m.From.Username), zap.String("cmd", cmd))
		t.reply(ctx, m.Chat.ID, fmt.Sprintf("Insufficient rights, contact @%s", t.allowedUser))
		return
	}

	var text string
	switch cmd {
	case "/start":
		t.api.SetChatID(m.Chat.ID)
		t.log.Info("chat registered", zap.Int64("chat_id", m.Chat.ID))
		text = msgMenu
	case "/run":
		t.sw.Resume()
		text = msgStarted
	case "/pause":
		t.sw.Pause()
		text = msgPaused
	case "/stop":
		if !t.sw.Shutdown() {
			text = msgStopping
		} else {
			text = msgStopped
		}
	case "/status":
		text = t.statusText()
	default:
		text = msgUnknown
	}
	t.log.Info("command handled", zap.String("cmd", cmd), zap.Bool("running", t.sw.Running()))
	t.reply(ctx, m.Chat.ID, text)
}

func (t *TelegramControl) statusText() string {
	state := "running"
	if t.sw.Stopped() {
		state = "stopping"
	} else if !t.sw.Running() {
		state = "paused"
	}
	if t.status == nil {
		return "Bot " + state
	}
	snap := t.status.Snapshot()
	if snap == nil {
		return "Bot " + state
	}
	buys, sells := snap.LiveLevels()
	return fmt.Sprintf("Bot %s | engine %s | last %v | anchor %v | live buys %d, sells %d | orders %d",
		state, snap.State, snap.LastPrice, snap.AnchorPrice, buys, sells, len(snap.Orders))
}

func (t *TelegramControl) reply(ctx context.Context, chatID int64, text string) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.api.SendTo(rctx, chatID, text); err != nil {
		t.log.Warn("reply failed", zap.Error(err))
	}
}

// command 取首个单词并去掉 @botname 后缀。
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
