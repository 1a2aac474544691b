package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/infrastructure/monitor"
)

// 默认 websocket 地址
const (
	PublicWSURL      = "wss://ws.okx.com:8443/ws/v5/public"
	PrivateWSURL     = "wss://ws.okx.com:8443/ws/v5/private"
	DemoPublicWSURL  = "wss://wspap.okx.com:8443/ws/v5/public"
	DemoPrivateWSURL = "wss://wspap.okx.com:8443/ws/v5/private"
)

var (
	ErrLoginFailed = errors.New("websocket login failed")
	ErrClosed      = errors.New("websocket connection closed")
)

// MessageHandler 处理数据推送（arg+data），在读循环 goroutine 中同步调用。
type MessageHandler func(env Envelope)

// WSConfig 单条 websocket 连接配置。
type WSConfig struct {
	Name      string // public / private，用于日志与指标
	URL       string
	Subscribe []Arg
	// Credentials 非空时先登录再订阅
	Credentials *Credentials

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	LoginTimeout   time.Duration
}

func (c *WSConfig) applyDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = c.PingInterval + 10*time.Second
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 10 * time.Second
	}
}

// WSConn 管理一条 OKX websocket：连接、登录、订阅、读循环，断开后固定间隔重连。
type WSConn struct {
	cfg     WSConfig
	handler MessageHandler
	log     *logger.Logger
	mon     *monitor.Monitor
	dialer  *websocket.Dialer
	now     func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWSConn(cfg WSConfig, handler MessageHandler, log *logger.Logger, mon *monitor.Monitor) *WSConn {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &WSConn{
		cfg:     cfg,
		handler: handler,
		log:     log.Named("ws." + cfg.Name),
		mon:     mon,
		dialer:  websocket.DefaultDialer,
		now:     time.Now,
	}
}

// Name 连接名称。
func (c *WSConn) Name() string {
	return c.cfg.Name
}

// Running 是否处于运行状态。
func (c *WSConn) Running() bool {
	return c.running.Load()
}

// Run 阻塞运行重连循环，直到 ctx 取消或 Close 被调用；正常停止返回 nil。
func (c *WSConn) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	for {
		if !c.running.Load() || ctx.Err() != nil {
			return nil
		}
		err := c.session(ctx)
		if !c.running.Load() || ctx.Err() != nil {
			return nil
		}
		c.mon.RecordWSDisconnect(c.cfg.Name)
		c.log.Warn("websocket session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", c.cfg.ReconnectDelay))

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close 停止重连并关闭当前连接。
func (c *WSConn) Close() error {
	c.running.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// session 单次连接生命周期，返回导致断开的错误。
func (c *WSConn) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	// ctx 取消时关闭连接以打断阻塞读
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if c.cfg.Credentials != nil {
		if err := c.login(conn); err != nil {
			c.mon.RecordWSLoginFailure(c.cfg.Name)
			return err
		}
		c.log.Info("websocket login ok")
	}

	if len(c.cfg.Subscribe) > 0 {
		msg, err := SubscribeMessage(c.cfg.Subscribe...)
		if err != nil {
			return err
		}
		if err := c.write(conn, websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.mon.RecordWSConnection(c.cfg.Name)
	c.log.Info("websocket connected", zap.String("url", c.cfg.URL))

	go c.pingLoop(conn, done)
	return c.readLoop(conn)
}

// login 发送登录请求并等待 event=login code=0。
func (c *WSConn) login(conn *websocket.Conn) error {
	msg, err := LoginMessage(*c.cfg.Credentials, LoginTimestamp(c.now()))
	if err != nil {
		return err
	}
	if err := c.write(conn, websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	deadline := c.now().Add(c.cfg.LoginTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			continue
		}
		switch env.Event {
		case "login":
			if env.Code == "0" {
				return nil
			}
			return fmt.Errorf("%w: code=%s msg=%s", ErrLoginFailed, env.Code, env.Msg)
		case "error":
			return fmt.Errorf("%w: code=%s msg=%s", ErrLoginFailed, env.Code, env.Msg)
		}
	}
}

func (c *WSConn) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout))
		if string(raw) == "pong" {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *WSConn) dispatch(raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		c.log.Warn("drop malformed message", zap.Error(err), zap.ByteString("raw", raw))
		return
	}
	switch env.Event {
	case "":
	case "subscribe":
		c.log.Info("subscribed", zap.String("channel", env.Arg.Channel), zap.String("instId", env.Arg.InstID))
		return
	case "error":
		c.log.Warn("websocket error event", zap.String("code", env.Code), zap.String("msg", env.Msg))
		return
	default:
		c.log.Debug("websocket event", zap.String("event", env.Event))
		return
	}
	if c.handler != nil {
		c.handler(env)
	}
}

// pingLoop OKX 30s 无数据即断开，定时发送文本 ping。
func (c *WSConn) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, []byte("ping")); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *WSConn) write(conn *websocket.Conn, msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(5 * time.Second))
	return conn.WriteMessage(msgType, data)
}
