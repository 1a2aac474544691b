package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"okx-grid-go/config"
	"okx-grid-go/gateway"
	"okx-grid-go/infrastructure/alert"
	"okx-grid-go/infrastructure/logger"
	"okx-grid-go/infrastructure/monitor"
	"okx-grid-go/internal/anchor"
	"okx-grid-go/internal/control"
	"okx-grid-go/internal/engine"
	"okx-grid-go/internal/journal"
	"okx-grid-go/internal/watchdog"
	"okx-grid-go/market"
	"okx-grid-go/order"
	"okx-grid-go/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg     *config.AppConfig
	cfgPath string

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	telegram *alert.TelegramClient
	journal  *journal.AsyncRecorder

	// 交易所网关
	restClient *gateway.OKXRESTClient
	instrument order.Instrument

	// 核心服务
	executor  *order.Executor
	feed      *market.Feed
	engine    *engine.Engine
	scheduler *anchor.Scheduler

	// 控制面
	sw        *control.Switch
	admin     *control.Server
	tgControl *control.TelegramControl
	watchdog  *watchdog.Watchdog

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:       &cfg,
		cfgPath:   configPath,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件；需要访问交易所获取合约参数。
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(ctx); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.buildControl()
	c.buildWatchdog()

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.String("instId", c.instrument.InstID),
		zap.Bool("simulated", c.cfg.Gateway.Simulated))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger)}
	if c.cfg.Notify.Telegram() {
		c.telegram = alert.NewTelegramClient(c.cfg.Notify.TelegramToken, c.cfg.Notify.ChatID)
		channels = append(channels, alert.NewTelegramChannel("telegram", c.telegram))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Notify.Throttle)

	var sinks []journal.Sink
	if c.cfg.Journal.File != "" {
		fs, err := journal.NewJSONFileSink(c.cfg.Journal.File)
		if err != nil {
			return err
		}
		sinks = append(sinks, fs)
	}
	if c.cfg.Journal.MySQLDSN != "" {
		gs, err := journal.OpenMySQL(c.cfg.Journal.MySQLDSN)
		if err != nil {
			return err
		}
		sinks = append(sinks, gs)
	}
	if len(sinks) > 0 {
		c.journal = journal.NewAsyncRecorder(c.logger, c.cfg.Journal.Buffer, sinks...)
	}

	c.logger.Info("infrastructure built", zap.Strings("alert_channels", c.alerts.GetChannels()), zap.Int("journal_sinks", len(sinks)))
	return nil
}

func (c *Container) credentials() gateway.Credentials {
	return gateway.Credentials{
		APIKey:     c.cfg.Gateway.APIKey,
		Secret:     c.cfg.Gateway.APISecret,
		Passphrase: c.cfg.Gateway.Passphrase,
	}
}

func (c *Container) buildGateway(ctx context.Context) error {
	c.restClient = gateway.NewOKXRESTClient(c.cfg.Gateway.RESTURL, c.credentials(), c.cfg.Gateway.Simulated)
	c.restClient.Limiter = gateway.NewTokenBucketLimiter(c.cfg.Gateway.RateLimit, c.cfg.Gateway.Burst)
	c.restClient.Monitor = c.monitor

	inst, err := c.loadInstrument(ctx)
	if err != nil {
		return err
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	c.instrument = inst

	c.logger.Info("gateway built",
		zap.String("instId", inst.InstID),
		zap.Float64("tickSz", inst.TickSize),
		zap.Float64("lotSz", inst.LotSize),
		zap.Float64("minSz", inst.MinSize),
		zap.Float64("ctVal", inst.ContractValue))
	return nil
}

// loadInstrument 配置齐全时使用静态参数，否则查询交易所。
func (c *Container) loadInstrument(ctx context.Context) (order.Instrument, error) {
	ic := c.cfg.Instrument
	if ic.Static() {
		return order.Instrument{
			InstID:        ic.InstID,
			TickSize:      ic.TickSize,
			LotSize:       ic.LotSize,
			MinSize:       ic.MinSize,
			ContractValue: ic.ContractValue,
		}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	info, err := c.restClient.Instrument(qctx, ic.InstType, ic.InstID)
	if err != nil {
		return order.Instrument{}, fmt.Errorf("fetch instrument %s: %w", ic.InstID, err)
	}
	inst := order.Instrument{
		InstID:        info.InstID,
		TickSize:      info.TickSz,
		LotSize:       info.LotSz,
		MinSize:       info.MinSz,
		ContractValue: info.CtVal,
	}
	// 个别字段可在配置中覆盖
	if ic.TickSize > 0 {
		inst.TickSize = ic.TickSize
	}
	if ic.LotSize > 0 {
		inst.LotSize = ic.LotSize
	}
	if ic.MinSize > 0 {
		inst.MinSize = ic.MinSize
	}
	if ic.ContractValue > 0 {
		inst.ContractValue = ic.ContractValue
	}
	return inst, nil
}

func gridParams(g config.GridConfig) strategy.GridParams {
	return strategy.GridParams{
		Balance:      g.Balance,
		RiskPerLevel: g.RiskPerLevel,
		Step:         g.Step,
		ProfitTarget: g.ProfitTarget,
	}
}

func (c *Container) buildCoreServices() error {
	orderGw := &orderGatewayAdapter{
		client: c.restClient,
		logger: c.logger,
	}
	c.executor = order.NewExecutor(orderGw, c.instrument, order.WithPlaceTimeout(c.cfg.Engine.PlaceTimeout))

	publicURL, privateURL := c.cfg.Gateway.PublicWS, c.cfg.Gateway.PrivateWS
	if c.cfg.Gateway.Simulated {
		if publicURL == "" {
			publicURL = gateway.DemoPublicWSURL
		}
		if privateURL == "" {
			privateURL = gateway.DemoPrivateWSURL
		}
	}
	c.feed = market.NewFeed(market.FeedConfig{
		InstID:         c.instrument.InstID,
		InstType:       c.cfg.Instrument.InstType,
		PublicURL:      publicURL,
		PrivateURL:     privateURL,
		Credentials:    c.credentials(),
		ReconnectDelay: c.cfg.Feed.ReconnectDelay,
		PingInterval:   c.cfg.Feed.PingInterval,
	}, c.logger, c.monitor)

	c.sw = control.NewSwitch(!c.cfg.Engine.StartPaused)

	var rec journal.Recorder = journal.Nop{}
	if c.journal != nil {
		rec = c.journal
	}
	var err error
	c.engine, err = engine.New(engine.Config{
		InstID:     c.instrument.InstID,
		LevelCount: c.cfg.Grid.LevelCount,
		PausePoll:  c.cfg.Engine.PausePoll,
	}, engine.Components{
		Placer:   c.executor,
		Builder:  strategy.NewBuilder(gridParams(c.cfg.Grid), c.instrument),
		Prices:   c.feed.Prices(),
		Events:   c.feed.Events(),
		Switch:   c.sw,
		Notifier: c.alerts,
		Journal:  rec,
		Logger:   c.logger,
		Monitor:  c.monitor,
	})
	if err != nil {
		return err
	}

	sc := anchor.DefaultConfig(c.instrument.InstID)
	sc.Bar = c.cfg.Anchor.Bar
	sc.Length = c.cfg.Anchor.Length
	sc.Limit = c.cfg.Anchor.Limit
	sc.LevelCount = c.cfg.Grid.LevelCount
	sc.InitialDelay = c.cfg.Anchor.InitialDelay
	sc.PausePoll = c.cfg.Engine.PausePoll
	c.scheduler, err = anchor.NewScheduler(sc, c.instrument, c.restClient, c.engine, c.sw, c.logger)
	if err != nil {
		return err
	}

	c.logger.Info("core services built")
	return nil
}

func (c *Container) buildControl() {
	if c.cfg.HTTP.Addr != "" {
		c.admin = control.NewServer(c.cfg.HTTP.Addr, c.instrument.InstID, c.sw, c.engine, c.monitor.Handler(), c.logger)
	}
	if c.telegram != nil {
		c.tgControl = control.NewTelegramControl(c.telegram, c.sw, c.engine, c.cfg.Notify.AllowedUser, c.logger)
	}
}

func (c *Container) buildWatchdog() {
	wc := c.cfg.Watchdog
	probes := []watchdog.Probe{{Name: "components", Check: c.lifecycle.CheckHealth}}
	if wc.StaleAfter > 0 {
		probes = append(probes, watchdog.Probe{
			Name:  "price_feed",
			Check: watchdog.Staleness(c.feed.LastTick, wc.StaleAfter, nil),
		})
	}
	if wc.MaxRetries > 0 {
		probes = append(probes, watchdog.Probe{Name: "order_retries", Check: c.checkRetries})
	}
	c.watchdog = watchdog.New(watchdog.Config{Interval: wc.Interval, Grace: wc.Grace}, c.alerts, c.logger, probes...)
}

// checkRetries 某个档位连续下单失败次数达到阈值时报错。
func (c *Container) checkRetries() error {
	snap := c.engine.Snapshot()
	if snap == nil {
		return nil
	}
	lvl, attempts := snap.WorstRetry()
	if attempts >= c.cfg.Watchdog.MaxRetries {
		return fmt.Errorf("%s slot %d failed %d times: %s", lvl.Side, lvl.Slot, attempts, lvl.LastError)
	}
	return nil
}

// registerLifecycleComponents 启动顺序：日志落地 → 引擎 → 锚定 → 控制面 → 巡检 → 行情；停止时逆序，行情最先断开。
func (c *Container) registerLifecycleComponents() {
	if c.journal != nil {
		c.lifecycle.Register(newRunner("journal", c.logger, func(ctx context.Context) error {
			c.journal.Run(ctx)
			return nil
		}).withStop(c.journal.Close))
	}
	c.lifecycle.Register(newRunner("engine", c.logger, c.engine.Run))
	c.lifecycle.Register(newRunner("anchor", c.logger, c.scheduler.Run))
	if c.admin != nil {
		c.lifecycle.Register(newRunner("admin_http", c.logger, c.admin.Run))
	}
	if c.tgControl != nil {
		c.lifecycle.Register(newRunner("telegram_control", c.logger, c.tgControl.Run))
	}
	c.lifecycle.Register(newRunner("watchdog", c.logger, c.watchdog.Run))
	if c.cfgPath != "" {
		w := config.Watcher{Path: c.cfgPath, Log: c.logger}
		c.lifecycle.Register(newRunner("config_watcher", c.logger, func(ctx context.Context) error {
			return w.Start(ctx, c.applyConfig)
		}))
	}
	c.lifecycle.Register(newRunner("feed", c.logger, c.feed.Start).withStop(c.feed.Shutdown))
}

// applyConfig 热更新：只有网格参数与档位数量会生效，其余字段需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	if next.Grid == c.cfg.Grid {
		return
	}
	if err := c.engine.UpdateParams(gridParams(next.Grid)); err != nil {
		c.logger.Warn("grid params rejected", zap.Error(err))
		return
	}
	c.scheduler.SetLevelCount(next.Grid.LevelCount)
	c.cfg.Grid = next.Grid
	c.logger.Info("grid config updated",
		zap.Float64("step", next.Grid.Step),
		zap.Float64("profit_target", next.Grid.ProfitTarget),
		zap.Int("levels", next.Grid.LevelCount))
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	if err := c.alerts.Notify(ctx, fmt.Sprintf("🚀 Grid bot started: %s", c.instrument.InstID)); err != nil {
		c.logger.Warn("startup notification failed", zap.Error(err))
	}
	return nil
}

// Stop 停止所有组件。仓位不会自动平仓，需要手动处理。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	c.sw.Shutdown()

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Done 收到控制面的 stop 命令后关闭。
func (c *Container) Done() <-chan struct{} {
	return c.sw.Done()
}

// Logger 供 main 使用。
func (c *Container) Logger() *logger.Logger {
	return c.logger
}

// orderGatewayAdapter 把执行器的市价单请求转换为 OKX REST 调用。
type orderGatewayAdapter struct {
	client *gateway.OKXRESTClient
	logger *logger.Logger
}

func (a *orderGatewayAdapter) PlaceMarket(ctx context.Context, req order.MarketRequest) (order.Ack, error) {
	ack, err := a.client.PlaceOrder(ctx, gateway.OrderRequest{
		InstID:     req.InstID,
		TdMode:     req.TradeMode,
		Side:       string(req.Side),
		OrdType:    "market",
		Sz:         req.Size,
		ReduceOnly: req.ReduceOnly,
		ClOrdID:    req.ClientOrderID,
	})
	if err != nil {
		var apiErr *gateway.APIError
		fields := map[string]interface{}{
			"action":  "place_order",
			"instId":  req.InstID,
			"side":    string(req.Side),
			"sz":      req.Size,
			"clOrdId": req.ClientOrderID,
		}
		if errors.As(err, &apiErr) {
			fields["sCode"] = apiErr.SCode
		}
		a.logger.LogError(err, fields)
		return order.Ack{}, err
	}
	return order.Ack{OrderID: ack.OrdID, ClientOrderID: ack.ClOrdID, Size: ack.Sz}, nil
}
