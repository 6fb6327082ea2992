// Package params is the process configuration surface. Defaults are
// overridden by an optional YAML file, then by .env, then by environment
// variables.
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/flipside-exchange/flipside/pkg/num"
)

type Ledger struct {
	DataDir string
}

type Engine struct {
	CommandBuffer   int
	SnapshotDepth   int
	CheckInvariants bool
	// StarterBalance is granted to every new user, in whole dollars.
	StarterBalance int64
}

type Gateway struct {
	ListenAddr     string
	AllowedOrigins []string
	TradeHistory   int
	WSIdleTimeout  time.Duration
	WSMsgRate      float64
	WSMsgBurst     float64
	WSChurnRate    float64
	WSChurnBurst   float64
}

type Bus struct {
	Buffer int
}

type Relay struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
}

type Config struct {
	LogLevel string
	Ledger   Ledger
	Engine   Engine
	Gateway  Gateway
	Bus      Bus
	Relay    Relay
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Ledger:   Ledger{DataDir: "data/ledger"},
		Engine: Engine{
			CommandBuffer:   64,
			SnapshotDepth:   20,
			CheckInvariants: true,
			StarterBalance:  10000,
		},
		Gateway: Gateway{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
			TradeHistory:   100,
			WSIdleTimeout:  60 * time.Second,
			WSMsgRate:      10,
			WSMsgBurst:     20,
			WSChurnRate:    2,
			WSChurnBurst:   10,
		},
		Bus: Bus{Buffer: 256},
		Relay: Relay{
			Enabled:    false,
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
		},
	}
}

// StarterMoney converts the configured starter balance to money units.
func (e Engine) StarterMoney() num.Money {
	return num.Money(e.StarterBalance) * num.MoneyScale
}

// Load resolves configuration. Priority: ENV > .env > YAML file > defaults.
func Load(envPath string) Config {
	cfg := Default()

	if path := os.Getenv("FLIPSIDE_CONFIG"); path != "" {
		cfg = loadYAML(cfg, path)
	}

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Ledger.DataDir = getEnv("LEDGER_DATA_DIR", cfg.Ledger.DataDir)

	cfg.Engine.CommandBuffer = getInt("ENGINE_COMMAND_BUFFER", cfg.Engine.CommandBuffer)
	cfg.Engine.SnapshotDepth = getInt("ENGINE_SNAPSHOT_DEPTH", cfg.Engine.SnapshotDepth)
	cfg.Engine.CheckInvariants = getBool("ENGINE_CHECK_INVARIANTS", cfg.Engine.CheckInvariants)
	cfg.Engine.StarterBalance = int64(getInt("STARTER_BALANCE", int(cfg.Engine.StarterBalance)))

	cfg.Gateway.ListenAddr = getEnv("GATEWAY_LISTEN_ADDR", cfg.Gateway.ListenAddr)
	if origins := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.Gateway.TradeHistory = getInt("GATEWAY_TRADE_HISTORY", cfg.Gateway.TradeHistory)
	cfg.Gateway.WSIdleTimeout = getDurationMS("WS_IDLE_TIMEOUT_MS", cfg.Gateway.WSIdleTimeout)
	cfg.Gateway.WSMsgRate = getFloat("WS_MSG_RATE", cfg.Gateway.WSMsgRate)
	cfg.Gateway.WSMsgBurst = getFloat("WS_MSG_BURST", cfg.Gateway.WSMsgBurst)
	cfg.Gateway.WSChurnRate = getFloat("WS_CHURN_RATE", cfg.Gateway.WSChurnRate)
	cfg.Gateway.WSChurnBurst = getFloat("WS_CHURN_BURST", cfg.Gateway.WSChurnBurst)

	cfg.Bus.Buffer = getInt("BUS_BUFFER", cfg.Bus.Buffer)

	cfg.Relay.Enabled = getBool("RELAY_ENABLED", cfg.Relay.Enabled)
	cfg.Relay.ListenAddr = getEnv("RELAY_LISTEN_ADDR", cfg.Relay.ListenAddr)
	if peers := os.Getenv("RELAY_BOOTSTRAP"); peers != "" {
		cfg.Relay.Bootstrap = strings.Split(peers, ",")
	}

	return cfg
}

// loadYAML overlays a YAML config file onto cfg. Missing keys keep their
// current values.
func loadYAML(cfg Config, path string) Config {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg
	}

	set := func(key string, fn func()) {
		if v.IsSet(key) {
			fn()
		}
	}
	set("log_level", func() { cfg.LogLevel = v.GetString("log_level") })
	set("ledger.data_dir", func() { cfg.Ledger.DataDir = v.GetString("ledger.data_dir") })
	set("engine.command_buffer", func() { cfg.Engine.CommandBuffer = v.GetInt("engine.command_buffer") })
	set("engine.snapshot_depth", func() { cfg.Engine.SnapshotDepth = v.GetInt("engine.snapshot_depth") })
	set("engine.check_invariants", func() { cfg.Engine.CheckInvariants = v.GetBool("engine.check_invariants") })
	set("engine.starter_balance", func() { cfg.Engine.StarterBalance = v.GetInt64("engine.starter_balance") })
	set("gateway.listen_addr", func() { cfg.Gateway.ListenAddr = v.GetString("gateway.listen_addr") })
	set("gateway.allowed_origins", func() { cfg.Gateway.AllowedOrigins = v.GetStringSlice("gateway.allowed_origins") })
	set("gateway.trade_history", func() { cfg.Gateway.TradeHistory = v.GetInt("gateway.trade_history") })
	set("gateway.ws_idle_timeout", func() { cfg.Gateway.WSIdleTimeout = v.GetDuration("gateway.ws_idle_timeout") })
	set("bus.buffer", func() { cfg.Bus.Buffer = v.GetInt("bus.buffer") })
	set("relay.enabled", func() { cfg.Relay.Enabled = v.GetBool("relay.enabled") })
	set("relay.listen_addr", func() { cfg.Relay.ListenAddr = v.GetString("relay.listen_addr") })
	set("relay.bootstrap", func() { cfg.Relay.Bootstrap = v.GetStringSlice("relay.bootstrap") })
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getDurationMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
