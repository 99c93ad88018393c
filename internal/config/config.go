// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Deployment and risk defaults. The sizing pair is deliberately config, not
// code: 90/35 are the production values but operators can pull them in.
const (
	defaultTradingCapitalPct = 90.0
	defaultMaxPositionPct    = 35.0
	defaultMaxConcurrent     = 10
	defaultMonitorInterval   = "30s"
	defaultADVLookbackDays   = 90
	defaultKeepAliveDue      = "90m"
	defaultKeepAliveReady    = "80m"
	defaultEligibilityFloor  = 0.75
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	ORB         ORBConfig         `yaml:"orb"`
	Exit        ExitConfig        `yaml:"exit"`
	ODTE        ODTEConfig        `yaml:"odte"`
	SlipGuard   SlipGuardConfig   `yaml:"slip_guard"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Log         LogConfig         `yaml:"log"`
}

// EnvironmentConfig selects the broker environment and the trading mode.
type EnvironmentConfig struct {
	Name string `yaml:"name"` // sandbox | prod
	Mode string `yaml:"mode"` // demo | live
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// OAuthCredentials is one environment's consumer key pair. Values normally
// arrive via ${ETRADE_*} expansion from the environment.
type OAuthCredentials struct {
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
}

// OAuthConfig defines session manager settings.
type OAuthConfig struct {
	Sandbox           OAuthCredentials `yaml:"sandbox"`
	Prod              OAuthCredentials `yaml:"prod"`
	TokenDir          string           `yaml:"token_dir"`
	KeepAliveDue      string           `yaml:"keepalive_due"`       // idle time before a keep-alive ping
	KeepAliveReady    string           `yaml:"keepalive_ready"`     // readiness check threshold
	KeepAliveMinRetry string           `yaml:"keepalive_min_retry"` // floor between attempts
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	SandboxURL     string `yaml:"sandbox_url"`
	ProdURL        string `yaml:"prod_url"`
	Timeout        string `yaml:"timeout"`
	AccountIDKey   string `yaml:"account_id_key"` // resolved at startup when empty
	CircuitBreaker bool   `yaml:"circuit_breaker"`
	MaxParallel    int    `yaml:"max_parallel"` // in-flight broker call bound
}

// TradingConfig defines deployment-budget sizing parameters.
type TradingConfig struct {
	WatchlistPath     string  `yaml:"watchlist_path"`
	TradingCapitalPct float64 `yaml:"trading_capital_pct"` // share of account deployable, default 90
	MaxPositionPct    float64 `yaml:"max_position_pct"`    // single-position cap, default 35
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

// ORBConfig defines opening-range and signal-window parameters.
type ORBConfig struct {
	CaptureMinutes   int     `yaml:"capture_minutes"`    // opening range length, default 15
	SOOffsetMinutes  int     `yaml:"so_offset_minutes"`  // SO evaluation at open+N, default 45
	ORRWindowMinutes int     `yaml:"orr_window_minutes"` // ORR scan ends at open+N, default 345
	BreakoutBuffer   float64 `yaml:"breakout_buffer"`    // 0.002 = 0.2% beyond the extreme
}

// ExitConfig defines the monitor loop and exit-engine parameters.
type ExitConfig struct {
	MonitoringEnabled bool   `yaml:"monitoring_enabled"`
	MonitorInterval   string `yaml:"monitor_interval"` // 30s default, 5s floor
	SnapshotEvery     int    `yaml:"snapshot_every"`   // persist every N ticks
	GapGuardPct       float64 `yaml:"gap_guard_pct"`   // 2.0 = close on -2% vs 45m peak
	EODBufferMinutes  int    `yaml:"eod_buffer_minutes"`
}

// ODTEConfig defines the options sub-engine parameters.
type ODTEConfig struct {
	Enabled          bool     `yaml:"enabled"`
	WatchlistPath    string   `yaml:"watchlist_path"`
	Symbols          []string `yaml:"symbols"` // hard gate whitelist
	SubAccountPct    float64  `yaml:"sub_account_pct"` // slice of account dedicated to options
	EntryWindowStart string   `yaml:"entry_window_start"` // "09:35"
	EntryWindowEnd   string   `yaml:"entry_window_end"`   // "10:15"
	EligibilityFloor float64  `yaml:"eligibility_floor"`
}

// SlipGuardConfig defines ADV-based liquidity caps.
type SlipGuardConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ADVPct       float64 `yaml:"adv_pct"` // conservative cap as % of ADV
	LookbackDays int     `yaml:"lookback_days"`
	RefreshAt    string  `yaml:"refresh_at"` // "06:00" local
	CachePath    string  `yaml:"cache_path"`
}

// ScheduleConfig defines the session clock inputs.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"` // e.g. "America/New_York"
	PrepStart    string `yaml:"prep_start"`
	CooldownEnd  string `yaml:"cooldown_end"`
}

// StorageConfig defines where persisted JSON state lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the local status HTTP server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads .env, then parses and validates the YAML configuration at path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Missing .env is fine; real deployments export variables directly.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyEnvOverrides()
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets the documented environment variables win over YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ETRADE_ENVIRONMENT"); v != "" {
		c.Environment.Name = v
	}
	if v := os.Getenv("ETRADE_MODE"); v != "" {
		c.Environment.Mode = v
	}
	if v := os.Getenv("SLIP_GUARD_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SlipGuard.Enabled = b
		}
	}
	if v := os.Getenv("SLIP_GUARD_ADV_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.SlipGuard.ADVPct = f
		}
	}
	if v := os.Getenv("SLIP_GUARD_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SlipGuard.LookbackDays = n
		}
	}
	if v := os.Getenv("EXIT_MONITORING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Exit.MonitoringEnabled = b
		}
	}
}

// normalize fills defaults for optional fields.
func (c *Config) normalize() {
	if c.Environment.Name == "" {
		c.Environment.Name = "sandbox"
	}
	if c.Environment.Mode == "" {
		c.Environment.Mode = "demo"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Trading.TradingCapitalPct == 0 {
		c.Trading.TradingCapitalPct = defaultTradingCapitalPct
	}
	if c.Trading.MaxPositionPct == 0 {
		c.Trading.MaxPositionPct = defaultMaxPositionPct
	}
	if c.Trading.MaxConcurrent == 0 {
		c.Trading.MaxConcurrent = defaultMaxConcurrent
	}
	if c.ORB.CaptureMinutes == 0 {
		c.ORB.CaptureMinutes = 15
	}
	if c.ORB.SOOffsetMinutes == 0 {
		c.ORB.SOOffsetMinutes = 45
	}
	if c.ORB.ORRWindowMinutes == 0 {
		c.ORB.ORRWindowMinutes = 345
	}
	if c.ORB.BreakoutBuffer == 0 {
		c.ORB.BreakoutBuffer = 0.002
	}
	if c.Exit.MonitorInterval == "" {
		c.Exit.MonitorInterval = defaultMonitorInterval
	}
	if c.Exit.SnapshotEvery == 0 {
		c.Exit.SnapshotEvery = 10
	}
	if c.Exit.GapGuardPct == 0 {
		c.Exit.GapGuardPct = 2.0
	}
	if c.Exit.EODBufferMinutes == 0 {
		c.Exit.EODBufferMinutes = 5
	}
	if len(c.ODTE.Symbols) == 0 {
		c.ODTE.Symbols = []string{"SPY", "QQQ", "IWM", "SPX"}
	}
	if c.ODTE.SubAccountPct == 0 {
		c.ODTE.SubAccountPct = 10.0
	}
	if c.ODTE.EntryWindowStart == "" {
		c.ODTE.EntryWindowStart = "09:35"
	}
	if c.ODTE.EntryWindowEnd == "" {
		c.ODTE.EntryWindowEnd = "10:15"
	}
	if c.ODTE.EligibilityFloor == 0 {
		c.ODTE.EligibilityFloor = defaultEligibilityFloor
	}
	if c.SlipGuard.ADVPct == 0 {
		c.SlipGuard.ADVPct = 0.5
	}
	if c.SlipGuard.LookbackDays == 0 {
		c.SlipGuard.LookbackDays = defaultADVLookbackDays
	}
	if c.SlipGuard.RefreshAt == "" {
		c.SlipGuard.RefreshAt = "06:00"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.PrepStart == "" {
		c.Schedule.PrepStart = "04:00"
	}
	if c.Schedule.CooldownEnd == "" {
		c.Schedule.CooldownEnd = "20:00"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8081"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = "30s"
	}
	if c.Broker.MaxParallel == 0 {
		c.Broker.MaxParallel = 8
	}
	if c.OAuth.TokenDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.OAuth.TokenDir = home + "/.daybreak"
	}
	if c.OAuth.KeepAliveDue == "" {
		c.OAuth.KeepAliveDue = defaultKeepAliveDue
	}
	if c.OAuth.KeepAliveReady == "" {
		c.OAuth.KeepAliveReady = defaultKeepAliveReady
	}
	if c.OAuth.KeepAliveMinRetry == "" {
		c.OAuth.KeepAliveMinRetry = "5m"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Name != "sandbox" && c.Environment.Name != "prod" {
		return fmt.Errorf("environment.name must be 'sandbox' or 'prod'")
	}
	if c.Environment.Mode != "demo" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'demo' or 'live'")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}

	if c.Trading.WatchlistPath == "" {
		return fmt.Errorf("trading.watchlist_path is required")
	}
	if c.Trading.TradingCapitalPct <= 0 || c.Trading.TradingCapitalPct > 100 {
		return fmt.Errorf("trading.trading_capital_pct must be in (0,100]")
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 100 {
		return fmt.Errorf("trading.max_position_pct must be in (0,100]")
	}
	if c.Trading.MaxPositionPct > c.Trading.TradingCapitalPct {
		return fmt.Errorf("trading.max_position_pct (%.1f) must be <= trading.trading_capital_pct (%.1f)",
			c.Trading.MaxPositionPct, c.Trading.TradingCapitalPct)
	}
	if c.Trading.MaxConcurrent <= 0 {
		return fmt.Errorf("trading.max_concurrent must be > 0")
	}

	if c.ORB.CaptureMinutes <= 0 || c.ORB.CaptureMinutes > 60 {
		return fmt.Errorf("orb.capture_minutes must be in (0,60]")
	}
	if c.ORB.SOOffsetMinutes <= c.ORB.CaptureMinutes {
		return fmt.Errorf("orb.so_offset_minutes must exceed capture_minutes")
	}
	if c.ORB.ORRWindowMinutes < c.ORB.SOOffsetMinutes {
		return fmt.Errorf("orb.orr_window_minutes must be >= so_offset_minutes")
	}
	if c.ORB.BreakoutBuffer < 0 || c.ORB.BreakoutBuffer > 0.05 {
		return fmt.Errorf("orb.breakout_buffer must be in [0,0.05]")
	}

	interval, err := time.ParseDuration(c.Exit.MonitorInterval)
	if err != nil {
		return fmt.Errorf("exit.monitor_interval invalid: %w", err)
	}
	if interval < 5*time.Second {
		return fmt.Errorf("exit.monitor_interval must be >= 5s")
	}
	if c.Exit.GapGuardPct <= 0 {
		return fmt.Errorf("exit.gap_guard_pct must be > 0")
	}
	if c.Exit.EODBufferMinutes < 0 {
		return fmt.Errorf("exit.eod_buffer_minutes must be >= 0")
	}

	if c.ODTE.Enabled {
		if c.ODTE.WatchlistPath == "" {
			return fmt.Errorf("odte.watchlist_path is required when odte is enabled")
		}
		if len(c.ODTE.Symbols) == 0 {
			return fmt.Errorf("odte.symbols must not be empty")
		}
		if c.ODTE.SubAccountPct <= 0 || c.ODTE.SubAccountPct > 100 {
			return fmt.Errorf("odte.sub_account_pct must be in (0,100]")
		}
		if c.ODTE.EligibilityFloor <= 0 || c.ODTE.EligibilityFloor > 1 {
			return fmt.Errorf("odte.eligibility_floor must be in (0,1]")
		}
		if _, err := parseClock(c.ODTE.EntryWindowStart); err != nil {
			return fmt.Errorf("odte.entry_window_start invalid: %w", err)
		}
		if _, err := parseClock(c.ODTE.EntryWindowEnd); err != nil {
			return fmt.Errorf("odte.entry_window_end invalid: %w", err)
		}
	}

	if c.SlipGuard.Enabled {
		if c.SlipGuard.ADVPct <= 0 || c.SlipGuard.ADVPct > 100 {
			return fmt.Errorf("slip_guard.adv_pct must be in (0,100]")
		}
		if c.SlipGuard.LookbackDays <= 0 {
			return fmt.Errorf("slip_guard.lookback_days must be > 0")
		}
		if _, err := parseClock(c.SlipGuard.RefreshAt); err != nil {
			return fmt.Errorf("slip_guard.refresh_at invalid: %w", err)
		}
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := parseClock(c.Schedule.PrepStart); err != nil {
		return fmt.Errorf("schedule.prep_start invalid: %w", err)
	}
	if _, err := parseClock(c.Schedule.CooldownEnd); err != nil {
		return fmt.Errorf("schedule.cooldown_end invalid: %w", err)
	}

	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}
	if c.Broker.MaxParallel <= 0 {
		return fmt.Errorf("broker.max_parallel must be > 0")
	}

	for _, d := range []struct{ name, value string }{
		{"oauth.keepalive_due", c.OAuth.KeepAliveDue},
		{"oauth.keepalive_ready", c.OAuth.KeepAliveReady},
		{"oauth.keepalive_min_retry", c.OAuth.KeepAliveMinRetry},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
	}

	return nil
}

// parseClock parses an "HH:MM" wall-clock string into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ClockMinutes returns the minutes-since-midnight for an "HH:MM" field that
// already passed validation.
func ClockMinutes(s string) int {
	m, _ := parseClock(s)
	return m
}

// IsLive returns true when real orders will be placed.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// IsDemo returns true when the simulator broker is in play.
func (c *Config) IsDemo() bool {
	return c.Environment.Mode == "demo"
}

// Credentials returns the consumer key pair for the named environment,
// falling back to the documented environment variables when YAML left them
// blank.
func (c *Config) Credentials(env string) (key, secret string) {
	switch env {
	case "prod":
		key, secret = c.OAuth.Prod.ConsumerKey, c.OAuth.Prod.ConsumerSecret
		if key == "" {
			key = os.Getenv("ETRADE_PROD_KEY")
		}
		if secret == "" {
			secret = os.Getenv("ETRADE_PROD_SECRET")
		}
	default:
		key, secret = c.OAuth.Sandbox.ConsumerKey, c.OAuth.Sandbox.ConsumerSecret
		if key == "" {
			key = os.Getenv("ETRADE_SANDBOX_KEY")
		}
		if secret == "" {
			secret = os.Getenv("ETRADE_SANDBOX_SECRET")
		}
	}
	return key, secret
}

// BrokerURL returns the REST base URL for the configured environment.
func (c *Config) BrokerURL() string {
	if c.Environment.Name == "prod" {
		if c.Broker.ProdURL != "" {
			return c.Broker.ProdURL
		}
		return "https://api.etrade.com"
	}
	if c.Broker.SandboxURL != "" {
		return c.Broker.SandboxURL
	}
	return "https://apisb.etrade.com"
}

// BrokerTimeout returns the per-request timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// MonitorInterval returns the exit-engine cadence.
func (c *Config) MonitorInterval() time.Duration {
	d, err := time.ParseDuration(c.Exit.MonitorInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// KeepAliveDue returns the idle interval after which a keep-alive is due.
func (c *Config) KeepAliveDue() time.Duration {
	d, err := time.ParseDuration(c.OAuth.KeepAliveDue)
	if err != nil {
		return 90 * time.Minute
	}
	return d
}

// KeepAliveReady returns the readiness-check threshold.
func (c *Config) KeepAliveReady() time.Duration {
	d, err := time.ParseDuration(c.OAuth.KeepAliveReady)
	if err != nil {
		return 80 * time.Minute
	}
	return d
}

// KeepAliveMinRetry returns the floor between keep-alive attempts.
func (c *Config) KeepAliveMinRetry() time.Duration {
	d, err := time.ParseDuration(c.OAuth.KeepAliveMinRetry)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
