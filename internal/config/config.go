// Package config defines all configuration for the gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Symbols SymbolsConfig `mapstructure:"symbols"`
	Store   StoreConfig   `mapstructure:"store"`
	Sim     SimConfig     `mapstructure:"sim"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the client-facing WebSocket proxy settings.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	SendQueueSize int           `mapstructure:"send_queue_size"` // per-client bounded send queue
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	BrokerTimeout time.Duration `mapstructure:"broker_timeout"` // per subscribe/unsubscribe call
}

// AuthConfig points at the external service that maps api_key to
// (user_id, broker_name).
type AuthConfig struct {
	VerifyURL string        `mapstructure:"verify_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BrokerConfig points at the broker bridge service and declares the broker's
// capabilities. Quirks live in config so a new broker is a config change, not
// a code change.
type BrokerConfig struct {
	Name    string `mapstructure:"name"`
	FeedURL string `mapstructure:"feed_url"`
	APIURL  string `mapstructure:"api_url"`
	APIKey  string `mapstructure:"api_key"` // override: GW_BROKER_API_KEY

	MaxSymbolsPerConn    int     `mapstructure:"max_symbols_per_conn"`
	PoolSize             int     `mapstructure:"pool_size"`
	RetainSessionOnEmpty bool    `mapstructure:"retain_session_on_empty"`
	SupportedDepths      []int   `mapstructure:"supported_depths"`
	PriceInPaise         bool    `mapstructure:"price_in_paise"`
	UnitConversionFactor float64 `mapstructure:"unit_conversion_factor"`
}

// SymbolsConfig controls the master-contract table the resolver loads.
type SymbolsConfig struct {
	ContractURL    string        `mapstructure:"contract_url"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// StoreConfig sets where simulated-trading state is persisted (SQLite file,
// or a DSN like "file::memory:?cache=shared" for tests).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SimConfig tunes the simulated execution engine.
//
//   - StartingCapital: funds granted on first use and on weekly reset.
//   - ResetWeekday/ResetTime: weekly capital reset schedule (IST).
//   - EquityLeverage etc.: margin divisors per instrument class.
//   - CheckInterval: how often open orders are polled against live quotes.
//   - MTMInterval: how often open positions are marked to market.
//   - SquareOffTimes: exchange → "HH:MM" IST forced MIS close.
type SimConfig struct {
	StartingCapital    float64           `mapstructure:"starting_capital"`
	ResetWeekday       string            `mapstructure:"reset_weekday"`
	ResetTime          string            `mapstructure:"reset_time"`
	EquityLeverage     float64           `mapstructure:"equity_leverage"`
	FuturesLeverage    float64           `mapstructure:"futures_leverage"`
	OptionBuyLeverage  float64           `mapstructure:"option_buy_leverage"`
	OptionSellLeverage float64           `mapstructure:"option_sell_leverage"`
	CheckInterval      time.Duration     `mapstructure:"check_interval"`
	MTMInterval        time.Duration     `mapstructure:"mtm_interval"`
	SquareOffTimes     map[string]string `mapstructure:"square_off_times"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GW_STORE_PATH, GW_AUTH_VERIFY_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if p := os.Getenv("GW_STORE_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if u := os.Getenv("GW_AUTH_VERIFY_URL"); u != "" {
		cfg.Auth.VerifyURL = u
	}
	if k := os.Getenv("GW_BROKER_API_KEY"); k != "" {
		cfg.Broker.APIKey = k
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero values with the documented defaults so a minimal
// YAML file still yields a runnable configuration.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = 256
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.BrokerTimeout == 0 {
		c.Server.BrokerTimeout = 10 * time.Second
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = 5 * time.Second
	}
	if c.Broker.PoolSize == 0 {
		c.Broker.PoolSize = 3
	}
	if len(c.Broker.SupportedDepths) == 0 {
		c.Broker.SupportedDepths = []int{5, 20}
	}
	if c.Broker.UnitConversionFactor == 0 {
		c.Broker.UnitConversionFactor = 100
	}
	if c.Symbols.ReloadInterval == 0 {
		c.Symbols.ReloadInterval = 24 * time.Hour
	}
	if c.Sim.StartingCapital == 0 {
		c.Sim.StartingCapital = 10_000_000
	}
	if c.Sim.ResetWeekday == "" {
		c.Sim.ResetWeekday = "Sunday"
	}
	if c.Sim.ResetTime == "" {
		c.Sim.ResetTime = "00:00"
	}
	if c.Sim.EquityLeverage == 0 {
		c.Sim.EquityLeverage = 5
	}
	if c.Sim.FuturesLeverage == 0 {
		c.Sim.FuturesLeverage = 10
	}
	if c.Sim.OptionBuyLeverage == 0 {
		c.Sim.OptionBuyLeverage = 1
	}
	if c.Sim.OptionSellLeverage == 0 {
		c.Sim.OptionSellLeverage = 10
	}
	if c.Sim.CheckInterval == 0 {
		c.Sim.CheckInterval = 5 * time.Second
	}
	if c.Sim.MTMInterval == 0 {
		c.Sim.MTMInterval = 5 * time.Second
	}
	if c.Sim.SquareOffTimes == nil {
		c.Sim.SquareOffTimes = map[string]string{
			"NSE":   "15:15",
			"BSE":   "15:15",
			"CDS":   "16:45",
			"BCD":   "16:45",
			"MCX":   "23:30",
			"NCDEX": "17:00",
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.VerifyURL == "" {
		return fmt.Errorf("auth.verify_url is required (set GW_AUTH_VERIFY_URL)")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set GW_STORE_PATH)")
	}
	if c.Broker.FeedURL == "" {
		return fmt.Errorf("broker.feed_url is required")
	}
	if c.Broker.APIURL == "" {
		return fmt.Errorf("broker.api_url is required")
	}
	if c.Symbols.ContractURL == "" {
		return fmt.Errorf("symbols.contract_url is required")
	}
	if c.Sim.StartingCapital <= 0 {
		return fmt.Errorf("sim.starting_capital must be > 0")
	}
	if c.Sim.EquityLeverage <= 0 {
		return fmt.Errorf("sim.equity_leverage must be > 0")
	}
	if c.Sim.FuturesLeverage <= 0 {
		return fmt.Errorf("sim.futures_leverage must be > 0")
	}
	if c.Sim.OptionSellLeverage <= 0 {
		return fmt.Errorf("sim.option_sell_leverage must be > 0")
	}
	for exch, hhmm := range c.Sim.SquareOffTimes {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("sim.square_off_times[%s]: bad time %q (want HH:MM)", exch, hhmm)
		}
	}
	if _, err := time.Parse("15:04", c.Sim.ResetTime); err != nil {
		return fmt.Errorf("sim.reset_time: bad time %q (want HH:MM)", c.Sim.ResetTime)
	}
	switch strings.ToLower(c.Sim.ResetWeekday) {
	case "sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday":
	default:
		return fmt.Errorf("sim.reset_weekday: unknown weekday %q", c.Sim.ResetWeekday)
	}
	return nil
}
