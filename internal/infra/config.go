package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// GetUserAgent returns the User-Agent sent on REST calls.
func GetUserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, Version, runtime.GOOS, runtime.GOARCH)
}

// CredentialConfig is one Kraken API key pair.
type CredentialConfig struct {
	Label      string `yaml:"label"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	NonceFloor uint64 `yaml:"nonce_floor"`
}

// Configured reports whether both halves of the pair are present.
func (c CredentialConfig) Configured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// BreakerSettings tunes one circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ChannelSettings is one public channel subscribed for every configured pair.
type ChannelSettings struct {
	Name     string `yaml:"name"`
	Depth    int    `yaml:"depth,omitempty"`
	Interval int    `yaml:"interval,omitempty"`
}

// Config holds every setting of the client.
// LoadConfig fills defaults, then lets environment variables override secrets.
type Config struct {
	App struct {
		Name string `yaml:"name"`
		// DataDir overrides the workspace directory.
		DataDir string `yaml:"data_dir"`
	} `yaml:"app"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`

	Kraken struct {
		RestURL        string           `yaml:"rest_url"`
		PublicWSURL    string           `yaml:"public_ws_url"`
		PrivateWSURL   string           `yaml:"private_ws_url"`
		Pairs          []string         `yaml:"pairs"`
		RateTier       string           `yaml:"rate_tier"`
		RequestTimeout time.Duration    `yaml:"request_timeout"`
		NonceDir       string           `yaml:"nonce_dir"`
		SecretsPath    string           `yaml:"secrets_path"`
		Primary        CredentialConfig `yaml:"primary"`
		Secondary      CredentialConfig `yaml:"secondary"`
	} `yaml:"kraken"`

	Breaker struct {
		REST  BreakerSettings `yaml:"rest"`
		Token BreakerSettings `yaml:"token"`
	} `yaml:"breaker"`

	Stream struct {
		ReconnectInterval    time.Duration     `yaml:"reconnect_interval"`
		MaxReconnectInterval time.Duration     `yaml:"max_reconnect_interval"`
		HeartbeatTimeout     time.Duration     `yaml:"heartbeat_timeout"`
		PingInterval         time.Duration     `yaml:"ping_interval"`
		TokenTTL             time.Duration     `yaml:"token_ttl"`
		TokenRefreshMargin   time.Duration     `yaml:"token_refresh_margin"`
		DispatchQueueSize    int               `yaml:"dispatch_queue_size"`
		DispatchBudget       time.Duration     `yaml:"dispatch_budget"`
		ConnectAttempts      int               `yaml:"connect_attempts"`
		ConnectWindow        time.Duration     `yaml:"connect_window"`
		Channels             []ChannelSettings `yaml:"channels"`
	} `yaml:"stream"`

	Session struct {
		CancelTimeout     time.Duration `yaml:"cancel_timeout"`
		StreamStopTimeout time.Duration `yaml:"stream_stop_timeout"`
		RestCloseTimeout  time.Duration `yaml:"rest_close_timeout"`
		StoreCloseTimeout time.Duration `yaml:"store_close_timeout"`
		MonitorInterval   time.Duration `yaml:"monitor_interval"`
	} `yaml:"session"`

	Trading struct {
		// Mode selects order execution: MOCK, VALIDATE or LIVE.
		Mode string `yaml:"mode"`
		// Strategy is "idle" (monitor only) or "sma_cross".
		Strategy    string `yaml:"strategy"`
		Pair        string `yaml:"pair"`
		ShortPeriod int    `yaml:"short_period"`
		LongPeriod  int    `yaml:"long_period"`
		OrderVolume string `yaml:"order_volume"`
	} `yaml:"trading"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		ServiceName  string `yaml:"service_name"`
		Insecure     bool   `yaml:"insecure"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the YAML file, applies defaults, merges the optional
// secrets file and environment overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", slog.Any("error", err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Kraken.Primary.APISecret != "" || cfg.Kraken.Secondary.APISecret != "" {
		slog.Warn("API secrets found in config file; prefer KRAKEN_API_KEY/KRAKEN_API_SECRET or kraken.secrets_path")
	}
	cfg.applyDefaults()

	if cfg.Kraken.SecretsPath != "" {
		secrets, err := LoadSecretConfig(cfg.Kraken.SecretsPath)
		if err != nil {
			return nil, err
		}
		secrets.apply(&cfg)
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = AppName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}

	k := &c.Kraken
	if k.RestURL == "" {
		k.RestURL = "https://api.kraken.com"
	}
	if k.PublicWSURL == "" {
		k.PublicWSURL = "wss://ws.kraken.com/v2"
	}
	if k.PrivateWSURL == "" {
		k.PrivateWSURL = "wss://ws-auth.kraken.com/v2"
	}
	if k.RateTier == "" {
		k.RateTier = "starter"
	}
	if k.RequestTimeout == 0 {
		k.RequestTimeout = 10 * time.Second
	}
	if k.Primary.Label == "" {
		k.Primary.Label = "primary"
	}
	if k.Secondary.Label == "" {
		k.Secondary.Label = "secondary"
	}

	def := DefaultCircuitBreakerConfig("")
	fillBreaker(&c.Breaker.REST, def)
	// Token refresh trips sooner and recovers faster than the general REST breaker.
	fillBreaker(&c.Breaker.Token, CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: 30 * time.Second})

	s := &c.Stream
	if s.ReconnectInterval == 0 {
		s.ReconnectInterval = time.Second
	}
	if s.MaxReconnectInterval == 0 {
		s.MaxReconnectInterval = 60 * time.Second
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = 30 * time.Second
	}
	if s.PingInterval == 0 {
		s.PingInterval = 20 * time.Second
	}
	if s.TokenTTL == 0 {
		s.TokenTTL = 15 * time.Minute
	}
	if s.TokenRefreshMargin == 0 {
		s.TokenRefreshMargin = 2 * time.Minute
	}
	if s.DispatchQueueSize == 0 {
		s.DispatchQueueSize = 1024
	}
	if s.DispatchBudget == 0 {
		s.DispatchBudget = 50 * time.Millisecond
	}
	if s.ConnectAttempts == 0 {
		s.ConnectAttempts = 150
	}
	if s.ConnectWindow == 0 {
		s.ConnectWindow = 10 * time.Minute
	}
	if len(s.Channels) == 0 {
		s.Channels = []ChannelSettings{{Name: "ticker"}}
	}

	ss := &c.Session
	if ss.CancelTimeout == 0 {
		ss.CancelTimeout = 15 * time.Second
	}
	if ss.StreamStopTimeout == 0 {
		ss.StreamStopTimeout = 10 * time.Second
	}
	if ss.RestCloseTimeout == 0 {
		ss.RestCloseTimeout = 5 * time.Second
	}
	if ss.StoreCloseTimeout == 0 {
		ss.StoreCloseTimeout = 5 * time.Second
	}
	if ss.MonitorInterval == 0 {
		ss.MonitorInterval = time.Minute
	}

	if c.Trading.Mode == "" {
		c.Trading.Mode = "MOCK"
	}
	c.Trading.Mode = strings.ToUpper(c.Trading.Mode)
	if c.Trading.Strategy == "" {
		c.Trading.Strategy = "idle"
	}
	if c.Trading.ShortPeriod == 0 {
		c.Trading.ShortPeriod = 5
	}
	if c.Trading.LongPeriod == 0 {
		c.Trading.LongPeriod = 20
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = AppName
	}
}

func fillBreaker(b *BreakerSettings, def CircuitBreakerConfig) {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = def.SuccessThreshold
	}
	if b.Timeout == 0 {
		b.Timeout = def.Timeout
	}
}

// BreakerConfig turns settings into a breaker config with the given name.
func (b BreakerSettings) BreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
	}
}

// Validate checks configuration validity. Credential problems come back as
// errs.KindConfiguration naming the credential.
func (c *Config) Validate() error {
	k := c.Kraken
	if !hasPrefix(k.RestURL, "http://") && !hasPrefix(k.RestURL, "https://") {
		return fmt.Errorf("invalid Kraken REST URL: %s", k.RestURL)
	}
	for _, u := range []string{k.PublicWSURL, k.PrivateWSURL} {
		if !hasPrefix(u, "ws://") && !hasPrefix(u, "wss://") {
			return fmt.Errorf("invalid Kraken WS URL: %s", u)
		}
	}
	if len(k.Pairs) == 0 {
		return fmt.Errorf("at least one Kraken pair is required")
	}
	if _, err := LookupRateTier(k.RateTier); err != nil {
		return err
	}
	if !k.Primary.Configured() {
		return errs.Configuration(k.Primary.Label, "primary API key and secret are required",
			"set KRAKEN_API_KEY and KRAKEN_API_SECRET or kraken.primary in the secrets file")
	}
	if (k.Secondary.APIKey == "") != (k.Secondary.APISecret == "") {
		return errs.Configuration(k.Secondary.Label, "secondary credential is incomplete",
			"set both KRAKEN_API_KEY_2 and KRAKEN_API_SECRET_2 or neither")
	}
	if k.Secondary.Configured() && k.Secondary.Label == k.Primary.Label {
		return errs.Configuration(k.Secondary.Label, "credential labels must differ",
			"each credential owns its own nonce file")
	}

	for name, b := range map[string]BreakerSettings{"rest": c.Breaker.REST, "token": c.Breaker.Token} {
		if b.FailureThreshold <= 0 || b.SuccessThreshold <= 0 || b.Timeout <= 0 {
			return fmt.Errorf("breaker.%s thresholds and timeout must be positive", name)
		}
	}

	s := c.Stream
	if s.MaxReconnectInterval < s.ReconnectInterval {
		return fmt.Errorf("stream.max_reconnect_interval must be >= reconnect_interval")
	}
	if s.TokenRefreshMargin >= s.TokenTTL {
		return fmt.Errorf("stream.token_refresh_margin must be shorter than token_ttl")
	}
	if s.DispatchQueueSize <= 0 {
		return fmt.Errorf("stream.dispatch_queue_size must be positive")
	}

	switch c.Trading.Mode {
	case "MOCK", "VALIDATE", "LIVE":
	default:
		return fmt.Errorf("trading.mode must be MOCK, VALIDATE or LIVE, got %q", c.Trading.Mode)
	}
	switch c.Trading.Strategy {
	case "idle":
	case "sma_cross":
		if c.Trading.ShortPeriod >= c.Trading.LongPeriod {
			return fmt.Errorf("trading.short_period must be less than long_period")
		}
		if c.Trading.Pair == "" || c.Trading.OrderVolume == "" {
			return fmt.Errorf("trading.pair and trading.order_volume are required for sma_cross")
		}
	default:
		return fmt.Errorf("unknown trading.strategy %q", c.Trading.Strategy)
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv lets environment variables take precedence over files.
func overrideWithEnv(cfg *Config) error {
	p := &cfg.Kraken.Primary
	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		p.APIKey = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET"); secret != "" {
		p.APISecret = secret
	}
	s := &cfg.Kraken.Secondary
	if key := os.Getenv("KRAKEN_API_KEY_2"); key != "" {
		s.APIKey = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET_2"); secret != "" {
		s.APISecret = secret
	}

	for env, target := range map[string]*CredentialConfig{
		"KRAKEN_NONCE_FLOOR":   p,
		"KRAKEN_NONCE_FLOOR_2": s,
	} {
		raw := os.Getenv(env)
		if raw == "" {
			continue
		}
		floor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return errs.Configuration(target.Label, env+" is not an unsigned integer", "fix the environment variable")
		}
		target.NonceFloor = floor
	}
	return nil
}
