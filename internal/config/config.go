// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding keys are unset.
const (
	defaultPerSymbolUSD     = 1000.0
	defaultTotalUSDCap      = 20000.0
	defaultCashReservePct   = 10.0
	defaultBuyStopPct       = 5.0
	defaultStopLimitSlipPct = 1.0
	defaultTrailingStopPct  = 10.0
	defaultTrailLimitOffset = 0.2
	defaultCooldownMinutes  = 20
	defaultPriceSeconds     = 10
	defaultOrdersSeconds    = 15
	defaultKeepaliveSeconds = 60
	defaultEventCheckSecs   = 5
	defaultCalendar         = "XNYS"
	defaultDBURL            = "sqlite://bot.db"
	defaultMonitorAddr      = ":8080"
)

// Env variables carrying the broker credentials when no secrets file is
// present next to the config.
const (
	EnvAPIKey    = "APCA_API_KEY_ID"
	EnvAPISecret = "APCA_API_SECRET_KEY"
)

// Config represents the complete application configuration.
type Config struct {
	Mode            string            `yaml:"mode"` // paper | live
	Watchlist       []string          `yaml:"watchlist"`
	CryptoWatchlist []string          `yaml:"crypto_watchlist"`
	Allocation      AllocationConfig  `yaml:"allocation"`
	Entries         EntriesConfig     `yaml:"entries"`
	Stops           StopsConfig       `yaml:"stops"`
	Hours           HoursConfig       `yaml:"hours"`
	Cooldowns       CooldownsConfig   `yaml:"cooldowns"`
	Polling         PollingConfig     `yaml:"polling"`
	Risk            RiskConfig        `yaml:"risk"`
	Persistence     PersistenceConfig `yaml:"persistence"`
	Logging         LoggingConfig     `yaml:"logging"`
	Alerts          AlertsConfig      `yaml:"alerts"`
	Monitor         MonitorConfig     `yaml:"monitor"`

	// Broker credentials, resolved from the secrets file or environment.
	Secrets Secrets `yaml:"-"`
}

// AllocationConfig defines position sizing and allocation settings.
type AllocationConfig struct {
	TotalUSDCap           float64            `yaml:"total_usd_cap"`
	PerSymbolUSD          float64            `yaml:"per_symbol_usd"`
	PerSymbolOverride     map[string]float64 `yaml:"per_symbol_override"`
	MinCashReservePercent float64            `yaml:"min_cash_reserve_percent"`
	AllowFractional       bool               `yaml:"allow_fractional"`
}

// EntriesConfig defines entry order parameters.
type EntriesConfig struct {
	Type                string  `yaml:"type"` // buy_stop | buy_stop_limit
	BuyStopPctAboveLast float64 `yaml:"buy_stop_pct_above_last"`
	StopLimitMaxSlipPct float64 `yaml:"stop_limit_max_slip_pct"`
	TIF                 string  `yaml:"tif"`
	CancelAtClose       bool    `yaml:"cancel_at_close"`
	RearmNextSession    bool    `yaml:"rearm_next_session"`
}

// StopsConfig defines protective stop parameters.
type StopsConfig struct {
	TrailingStopPct  float64 `yaml:"trailing_stop_pct"`
	UseTrailingLimit bool    `yaml:"use_trailing_limit"`
	TrailLimitOffPct float64 `yaml:"trail_limit_offset_pct"`
	TIF              string  `yaml:"tif"`
}

// HoursConfig defines market-hours gating.
type HoursConfig struct {
	Calendar        string `yaml:"calendar"`
	AllowPreMarket  bool   `yaml:"allow_pre_market"`
	AllowAfterHours bool   `yaml:"allow_after_hours"`
}

// CooldownsConfig defines post-stopout suppression.
type CooldownsConfig struct {
	AfterStopoutMinutes int `yaml:"after_stopout_minutes"`
}

// PollingConfig defines loop cadences, in seconds.
type PollingConfig struct {
	PriceSeconds      int `yaml:"price_seconds"`
	OrdersSeconds     int `yaml:"orders_seconds"`
	KeepaliveSeconds  int `yaml:"keepalive_seconds"`
	EventCheckSeconds int `yaml:"event_check_seconds"`
}

// RiskConfig defines exposure limits.
type RiskConfig struct {
	MaxTotalExposureUSD  float64 `yaml:"max_total_exposure_usd"`
	MaxSymbolExposureUSD float64 `yaml:"max_symbol_exposure_usd"`
}

// PersistenceConfig defines the database location.
type PersistenceConfig struct {
	DBURL string `yaml:"db_url"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// AlertsConfig defines outbound alerting.
type AlertsConfig struct {
	Webhook string `yaml:"webhook"`
}

// MonitorConfig defines the read-only HTTP surface.
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// Secrets holds the broker API credentials.
type Secrets struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Load reads, expands, parses and validates the configuration file, then
// resolves broker secrets from a sibling secrets.yaml or the environment.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	config.normalizeSymbols()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := config.loadSecrets(filepath.Dir(configPath)); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.Allocation.TotalUSDCap == 0 {
		c.Allocation.TotalUSDCap = defaultTotalUSDCap
	}
	if c.Allocation.PerSymbolUSD == 0 {
		c.Allocation.PerSymbolUSD = defaultPerSymbolUSD
	}
	if c.Allocation.MinCashReservePercent == 0 {
		c.Allocation.MinCashReservePercent = defaultCashReservePct
	}
	if c.Entries.Type == "" {
		c.Entries.Type = "buy_stop"
	}
	if c.Entries.BuyStopPctAboveLast == 0 {
		c.Entries.BuyStopPctAboveLast = defaultBuyStopPct
	}
	if c.Entries.StopLimitMaxSlipPct == 0 {
		c.Entries.StopLimitMaxSlipPct = defaultStopLimitSlipPct
	}
	if c.Entries.TIF == "" {
		c.Entries.TIF = "DAY"
	}
	if c.Stops.TrailingStopPct == 0 {
		c.Stops.TrailingStopPct = defaultTrailingStopPct
	}
	if c.Stops.TrailLimitOffPct == 0 {
		c.Stops.TrailLimitOffPct = defaultTrailLimitOffset
	}
	if c.Stops.TIF == "" {
		c.Stops.TIF = "GTC"
	}
	if c.Hours.Calendar == "" {
		c.Hours.Calendar = defaultCalendar
	}
	if c.Cooldowns.AfterStopoutMinutes == 0 {
		c.Cooldowns.AfterStopoutMinutes = defaultCooldownMinutes
	}
	if c.Polling.PriceSeconds == 0 {
		c.Polling.PriceSeconds = defaultPriceSeconds
	}
	if c.Polling.OrdersSeconds == 0 {
		c.Polling.OrdersSeconds = defaultOrdersSeconds
	}
	if c.Polling.KeepaliveSeconds == 0 {
		c.Polling.KeepaliveSeconds = defaultKeepaliveSeconds
	}
	if c.Polling.EventCheckSeconds == 0 {
		c.Polling.EventCheckSeconds = defaultEventCheckSecs
	}
	if c.Risk.MaxTotalExposureUSD == 0 {
		c.Risk.MaxTotalExposureUSD = c.Allocation.TotalUSDCap
	}
	if c.Risk.MaxSymbolExposureUSD == 0 {
		c.Risk.MaxSymbolExposureUSD = 2 * c.Allocation.PerSymbolUSD
	}
	if c.Persistence.DBURL == "" {
		c.Persistence.DBURL = defaultDBURL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = defaultMonitorAddr
	}
}

// normalizeSymbols upper-cases all watchlist symbols and normalizes
// crypto tickers to BASE/USD when no slash is present.
func (c *Config) normalizeSymbols() {
	for i, s := range c.Watchlist {
		c.Watchlist[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.CryptoWatchlist {
		s = strings.ToUpper(strings.TrimSpace(s))
		if !strings.Contains(s, "/") {
			s += "/USD"
		}
		c.CryptoWatchlist[i] = s
	}
	upper := make(map[string]float64, len(c.Allocation.PerSymbolOverride))
	for sym, usd := range c.Allocation.PerSymbolOverride {
		upper[strings.ToUpper(sym)] = usd
	}
	c.Allocation.PerSymbolOverride = upper
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be 'paper' or 'live'")
	}

	// A watchlist is valid if it has at least one symbol of either kind.
	if len(c.Watchlist)+len(c.CryptoWatchlist) == 0 {
		return fmt.Errorf("watchlist and crypto_watchlist cannot both be empty")
	}
	for _, s := range c.Watchlist {
		if s == "" {
			return fmt.Errorf("watchlist contains an empty symbol")
		}
	}

	if c.Allocation.TotalUSDCap <= 0 {
		return fmt.Errorf("allocation.total_usd_cap must be > 0")
	}
	if c.Allocation.PerSymbolUSD <= 0 {
		return fmt.Errorf("allocation.per_symbol_usd must be > 0")
	}
	if c.Allocation.MinCashReservePercent < 0 || c.Allocation.MinCashReservePercent > 100 {
		return fmt.Errorf("allocation.min_cash_reserve_percent must be between 0 and 100")
	}

	if c.Entries.Type != "buy_stop" && c.Entries.Type != "buy_stop_limit" {
		return fmt.Errorf("entries.type must be 'buy_stop' or 'buy_stop_limit'")
	}
	if c.Entries.BuyStopPctAboveLast <= 0 {
		return fmt.Errorf("entries.buy_stop_pct_above_last must be > 0")
	}
	if c.Entries.StopLimitMaxSlipPct < 0 {
		return fmt.Errorf("entries.stop_limit_max_slip_pct must be >= 0")
	}

	if c.Stops.TrailingStopPct <= 0 || c.Stops.TrailingStopPct >= 100 {
		return fmt.Errorf("stops.trailing_stop_pct must be in (0,100)")
	}

	if c.Hours.Calendar != "XNYS" {
		return fmt.Errorf("hours.calendar %q is not supported (only XNYS)", c.Hours.Calendar)
	}

	if c.Cooldowns.AfterStopoutMinutes < 0 {
		return fmt.Errorf("cooldowns.after_stopout_minutes must be >= 0")
	}

	if c.Polling.OrdersSeconds <= 0 || c.Polling.PriceSeconds <= 0 ||
		c.Polling.KeepaliveSeconds <= 0 || c.Polling.EventCheckSeconds <= 0 {
		return fmt.Errorf("polling intervals must be > 0")
	}

	if c.Risk.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_total_exposure_usd must be > 0")
	}
	if c.Risk.MaxSymbolExposureUSD <= 0 {
		return fmt.Errorf("risk.max_symbol_exposure_usd must be > 0")
	}

	return nil
}

// loadSecrets resolves broker credentials from a secrets.yaml sibling of
// the config file, falling back to the environment.
func (c *Config) loadSecrets(dir string) error {
	path := filepath.Join(dir, "secrets.yaml")
	if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- sibling of user-provided config
		dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		dec.KnownFields(true)
		if err := dec.Decode(&c.Secrets); err != nil {
			return fmt.Errorf("parsing secrets file: %w", err)
		}
	}
	if c.Secrets.APIKey == "" {
		c.Secrets.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.Secrets.APISecret == "" {
		c.Secrets.APISecret = os.Getenv(EnvAPISecret)
	}
	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Mode == "paper"
}

// IsCryptoSymbol reports whether symbol belongs to the crypto watchlist.
// Any symbol with a slash is treated as crypto.
func (c *Config) IsCryptoSymbol(symbol string) bool {
	if strings.Contains(symbol, "/") {
		return true
	}
	symbol = strings.ToUpper(symbol)
	for _, s := range c.CryptoWatchlist {
		if s == symbol || strings.TrimSuffix(s, "/USD") == symbol {
			return true
		}
	}
	return false
}

// SymbolAllocation returns the dollar allocation for a symbol, honoring
// per-symbol overrides.
func (c *Config) SymbolAllocation(symbol string) float64 {
	if usd, ok := c.Allocation.PerSymbolOverride[strings.ToUpper(symbol)]; ok {
		return usd
	}
	return c.Allocation.PerSymbolUSD
}

// AllSymbols returns the combined equity and crypto watchlists.
func (c *Config) AllSymbols() []string {
	out := make([]string, 0, len(c.Watchlist)+len(c.CryptoWatchlist))
	out = append(out, c.Watchlist...)
	out = append(out, c.CryptoWatchlist...)
	return out
}

// OrdersInterval returns the main loop cadence.
func (c *Config) OrdersInterval() time.Duration {
	return time.Duration(c.Polling.OrdersSeconds) * time.Second
}

// EventCheckInterval returns the reconciliation poll cadence.
func (c *Config) EventCheckInterval() time.Duration {
	return time.Duration(c.Polling.EventCheckSeconds) * time.Second
}

// KeepaliveInterval returns the broker keepalive cadence.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Polling.KeepaliveSeconds) * time.Second
}

// CooldownDuration returns the post-stopout suppression window.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldowns.AfterStopoutMinutes) * time.Minute
}
