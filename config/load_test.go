package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
env: prod
gateway:
  apiKey: key
  apiSecret: secret
  passphrase: pass
  simulated: true
instrument:
  instId: DOGE-USDT-SWAP
grid:
  balance: 50
  step: 0.003
  profitTarget: 0.004
  levelCount: 100
anchor:
  bar: 5m
  initialDelay: 2s
engine:
  placeTimeout: 3s
log:
  level: debug
  outputs: [stdout]
  format: console
http:
  addr: 127.0.0.1:9200
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.True(t, cfg.Gateway.Simulated)
	assert.Equal(t, "https://www.okx.com", cfg.Gateway.RESTURL)
	assert.Equal(t, "SWAP", cfg.Instrument.InstType)
	assert.False(t, cfg.Instrument.Static())
	assert.Equal(t, 0.01, cfg.Grid.RiskPerLevel)
	assert.Equal(t, "5m", cfg.Anchor.Bar)
	assert.Equal(t, 14, cfg.Anchor.Length)
	assert.Equal(t, 94, cfg.Anchor.Limit)
	assert.Equal(t, 2*time.Second, cfg.Anchor.InitialDelay)
	assert.Equal(t, 4*time.Second, cfg.Engine.PausePoll)
	assert.Equal(t, 3*time.Second, cfg.Engine.PlaceTimeout)
	assert.Equal(t, 2*time.Second, cfg.Feed.ReconnectDelay)
	assert.Equal(t, 25*time.Second, cfg.Feed.PingInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSize)
	assert.Equal(t, "127.0.0.1:9200", cfg.HTTP.Addr)
	assert.False(t, cfg.Notify.Telegram())
	assert.Equal(t, 5, cfg.Watchdog.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Watchdog.StaleAfter)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
instrument:
  instId: BTC-USDT-SWAP
  tickSize: 0.1
  lotSize: 0.01
  minSize: 0.01
  contractValue: 0.01
grid:
  balance: 100
  step: 0.01
  profitTarget: 0.005
  levelCount: 10
notify:
  allowedUser: owner
`)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("OKX_PASSPHRASE=from-dotenv\n"), 0o644))
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	t.Setenv(EnvTelegramToken, "123:abc")
	t.Setenv(EnvTelegramChat, "-100200")
	t.Cleanup(func() { os.Unsetenv(EnvPassphrase) })

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Gateway.APIKey)
	assert.Equal(t, "env-secret", cfg.Gateway.APISecret)
	assert.Equal(t, "from-dotenv", cfg.Gateway.Passphrase)
	assert.True(t, cfg.Notify.Telegram())
	assert.Equal(t, int64(-100200), cfg.Notify.ChatID)
	assert.True(t, cfg.Instrument.Static())
}

func TestLoadWithEnvOverridesBadChatID(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv(EnvTelegramChat, "abc")
	_, err := LoadWithEnvOverrides(path)
	assert.ErrorContains(t, err, EnvTelegramChat)
}

func TestValidate(t *testing.T) {
	base, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)

	cases := map[string]func(*AppConfig){
		"missing passphrase": func(c *AppConfig) { c.Gateway.Passphrase = "" },
		"missing instId":     func(c *AppConfig) { c.Instrument.InstID = "" },
		"zero balance":       func(c *AppConfig) { c.Grid.Balance = 0 },
		"step too large":     func(c *AppConfig) { c.Grid.Step = 1 },
		"ladder below zero":  func(c *AppConfig) { c.Grid.Step = 0.02; c.Grid.LevelCount = 60 },
		"no profit target":   func(c *AppConfig) { c.Grid.ProfitTarget = 0 },
		"limit below length": func(c *AppConfig) { c.Anchor.Limit = 5 },
		"telegram no user": func(c *AppConfig) {
			c.Notify.TelegramToken = "t"
			c.Notify.AllowedUser = ""
		},
		"negative lot":      func(c *AppConfig) { c.Instrument.LotSize = -1 },
		"watchdog disabled": func(c *AppConfig) { c.Watchdog.Interval = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		assert.Error(t, Validate(cfg), name)
	}
	assert.NoError(t, Validate(base))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeTempConfig(t, "env: [unclosed"))
	assert.ErrorContains(t, err, "parse yaml")
}
