package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"okx-grid-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string           `yaml:"env"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Grid       GridConfig       `yaml:"grid"`
	Anchor     AnchorConfig     `yaml:"anchor"`
	Engine     EngineConfig     `yaml:"engine"`
	Feed       FeedConfig       `yaml:"feed"`
	Log        logger.Config    `yaml:"log"`
	Notify     NotifyConfig     `yaml:"notify"`
	Journal    JournalConfig    `yaml:"journal"`
	HTTP       HTTPConfig       `yaml:"http"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
}

type GatewayConfig struct {
	APIKey     string `yaml:"apiKey"`
	APISecret  string `yaml:"apiSecret"`
	Passphrase string `yaml:"passphrase"`
	RESTURL    string `yaml:"restURL"`
	PublicWS   string `yaml:"publicWS"`  // 为空时按 simulated 选择默认地址
	PrivateWS  string `yaml:"privateWS"` // 同上
	Simulated  bool   `yaml:"simulated"` // 模拟盘
	// RateLimit 下单请求每秒令牌数
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

// InstrumentConfig 合约参数；tickSize 等为 0 时启动时从交易所查询。
type InstrumentConfig struct {
	InstID        string  `yaml:"instId"`
	InstType      string  `yaml:"instType"`
	TickSize      float64 `yaml:"tickSize"`
	LotSize       float64 `yaml:"lotSize"`
	MinSize       float64 `yaml:"minSize"`
	ContractValue float64 `yaml:"contractValue"`
}

// Static 四个精度字段都已配置时不需要查询交易所。
func (c InstrumentConfig) Static() bool {
	return c.TickSize > 0 && c.LotSize > 0 && c.MinSize > 0 && c.ContractValue > 0
}

type GridConfig struct {
	Balance      float64 `yaml:"balance"`      // USDT
	RiskPerLevel float64 `yaml:"riskPerLevel"` // 每档占余额比例
	Step         float64 `yaml:"step"`         // 相邻档位间距比例
	ProfitTarget float64 `yaml:"profitTarget"` // 止盈比例
	LevelCount   int     `yaml:"levelCount"`
}

type AnchorConfig struct {
	Bar          string        `yaml:"bar"`
	Length       int           `yaml:"length"`
	Limit        int           `yaml:"limit"`
	InitialDelay time.Duration `yaml:"initialDelay"`
}

type EngineConfig struct {
	PausePoll    time.Duration `yaml:"pausePoll"`
	PlaceTimeout time.Duration `yaml:"placeTimeout"`
	StartPaused  bool          `yaml:"startPaused"`
}

type FeedConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	PingInterval   time.Duration `yaml:"pingInterval"`
}

type NotifyConfig struct {
	TelegramToken string        `yaml:"telegramToken"`
	ChatID        int64         `yaml:"chatId"`
	AllowedUser   string        `yaml:"allowedUser"`
	Throttle      time.Duration `yaml:"throttle"`
}

// Telegram 是否启用 Telegram 通知与控制。
func (c NotifyConfig) Telegram() bool {
	return c.TelegramToken != ""
}

type JournalConfig struct {
	File     string `yaml:"file"`
	MySQLDSN string `yaml:"mysqlDSN"`
	Buffer   int    `yaml:"buffer"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// WatchdogConfig 巡检：组件存活、行情超时、下单连续失败。
type WatchdogConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Grace      time.Duration `yaml:"grace"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	MaxRetries int           `yaml:"maxRetries"`
}

// Default 返回带默认值的配置，YAML 中出现的字段覆盖默认值。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Gateway: GatewayConfig{
			RESTURL:   "https://www.okx.com",
			RateLimit: 10,
			Burst:     5,
		},
		Instrument: InstrumentConfig{InstType: "SWAP"},
		Grid: GridConfig{
			RiskPerLevel: 0.01,
			LevelCount:   100,
		},
		Anchor: AnchorConfig{
			Bar:          "1m",
			Length:       14,
			Limit:        94,
			InitialDelay: 4 * time.Second,
		},
		Engine: EngineConfig{
			PausePoll:    4 * time.Second,
			PlaceTimeout: 5 * time.Second,
		},
		Feed: FeedConfig{
			ReconnectDelay: 2 * time.Second,
			PingInterval:   25 * time.Second,
		},
		Log:     logger.DefaultConfig(),
		Notify:  NotifyConfig{Throttle: time.Minute},
		Journal: JournalConfig{Buffer: 1024},
		HTTP:    HTTPConfig{Addr: ":9100"},
		Watchdog: WatchdogConfig{
			Interval:   15 * time.Second,
			Grace:      time.Minute,
			StaleAfter: 2 * time.Minute,
			MaxRetries: 5,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// 敏感字段的环境变量
const (
	EnvAPIKey        = "OKX_API_KEY"
	EnvAPISecret     = "OKX_API_SECRET"
	EnvPassphrase    = "OKX_PASSPHRASE"
	EnvTelegramToken = "GRID_TELEGRAM_TOKEN"
	EnvTelegramChat  = "GRID_TELEGRAM_CHAT_ID"
	EnvMySQLDSN      = "GRID_MYSQL_DSN"
)

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars
// (and a .env file next to the config or in the working directory) if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv(EnvPassphrase); v != "" {
		cfg.Gateway.Passphrase = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv(EnvTelegramChat); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTelegramChat, err)
		}
		cfg.Notify.ChatID = id
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		cfg.Journal.MySQLDSN = v
	}
	return nil
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" || cfg.Gateway.Passphrase == "" {
		return errors.New("gateway.apiKey/apiSecret/passphrase is required (or env overrides)")
	}
	if cfg.Gateway.RESTURL == "" {
		return errors.New("gateway.restURL is required")
	}
	if cfg.Gateway.RateLimit <= 0 {
		return errors.New("gateway.rateLimit must be > 0")
	}
	if cfg.Instrument.InstID == "" {
		return errors.New("instrument.instId is required")
	}
	if cfg.Instrument.TickSize < 0 || cfg.Instrument.LotSize < 0 || cfg.Instrument.MinSize < 0 || cfg.Instrument.ContractValue < 0 {
		return errors.New("instrument precision fields must be >= 0")
	}
	if err := ValidateGrid(cfg.Grid); err != nil {
		return err
	}
	if cfg.Anchor.Length <= 0 {
		return errors.New("anchor.length must be > 0")
	}
	if cfg.Anchor.Limit < cfg.Anchor.Length {
		return fmt.Errorf("anchor.limit must be >= anchor.length (%d)", cfg.Anchor.Length)
	}
	if cfg.Anchor.Bar == "" {
		return errors.New("anchor.bar is required")
	}
	if cfg.Engine.PausePoll <= 0 {
		return errors.New("engine.pausePoll must be > 0")
	}
	if cfg.Engine.PlaceTimeout < 0 {
		return errors.New("engine.placeTimeout must be >= 0")
	}
	if cfg.Feed.ReconnectDelay <= 0 {
		return errors.New("feed.reconnectDelay must be > 0")
	}
	if cfg.Notify.Telegram() && cfg.Notify.AllowedUser == "" {
		return errors.New("notify.allowedUser is required when telegram is enabled")
	}
	if cfg.Journal.Buffer < 0 {
		return errors.New("journal.buffer must be >= 0")
	}
	if cfg.Watchdog.Interval <= 0 {
		return errors.New("watchdog.interval must be > 0")
	}
	if cfg.Watchdog.MaxRetries < 0 || cfg.Watchdog.StaleAfter < 0 {
		return errors.New("watchdog.maxRetries/staleAfter must be >= 0")
	}
	return nil
}

// ValidateGrid 网格参数校验，热更新时也会调用。
func ValidateGrid(g GridConfig) error {
	if g.Balance <= 0 {
		return errors.New("grid.balance must be > 0")
	}
	if g.RiskPerLevel <= 0 || g.RiskPerLevel > 1 {
		return errors.New("grid.riskPerLevel must be in (0,1]")
	}
	if g.Step <= 0 || g.Step >= 1 {
		return errors.New("grid.step must be in (0,1)")
	}
	if g.ProfitTarget <= 0 {
		return errors.New("grid.profitTarget must be > 0")
	}
	if g.LevelCount <= 0 {
		return errors.New("grid.levelCount must be > 0")
	}
	if float64(g.LevelCount-1)*g.Step >= 1 {
		return errors.New("grid.step * (levelCount-1) must be < 1")
	}
	return nil
}
