package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/voxgate/voxgate/internal/logger"
)

// Config is the top-level TOML structure for voxgate.
type Config struct {
	Listen      string `mapstructure:"listen"`       // public gateway bind address
	AdminListen string `mapstructure:"admin_listen"` // operational API bind address
	AutoStart   bool   `mapstructure:"auto_start"`   // start the worker at daemon boot

	Model   ModelConfig   `mapstructure:"model"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Restart RestartConfig `mapstructure:"restart"`
	Health  HealthConfig  `mapstructure:"health"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Outputs OutputsConfig `mapstructure:"outputs"`
	Warmup  WarmupConfig  `mapstructure:"warmup"`
	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
	TLS     TLSConfig     `mapstructure:"tls"`
}

// ModelConfig describes the synthesis model identity and the parameters the
// gateway injects into every request.
type ModelConfig struct {
	ID          string  `mapstructure:"id"`
	Version     string  `mapstructure:"version"`
	CacheDir    string  `mapstructure:"cache_dir"`
	Voices      []string `mapstructure:"voices"`
	Speed       float64 `mapstructure:"speed"`
	LangCode    string  `mapstructure:"lang_code"` // empty: auto-detect from text script
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	Format      string  `mapstructure:"format"`
}

// WorkerConfig describes how the inference worker is invoked.
type WorkerConfig struct {
	Port         int           `mapstructure:"port"` // 0: derived from public port
	Script       string        `mapstructure:"script"`
	Venv         string        `mapstructure:"venv"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
	HealthPath   string        `mapstructure:"health_path"`
}

// RestartConfig is the crash-restart policy.
type RestartConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Max           int           `mapstructure:"max"`
	Delay         time.Duration `mapstructure:"delay"`
	HealthyUptime time.Duration `mapstructure:"healthy_uptime"`
}

// HealthConfig drives the periodic health monitor.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ProxyConfig bounds the request gateway.
type ProxyConfig struct {
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"` // 0: unlimited
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
}

// OutputsConfig lists allowed output roots for resolved paths.
type OutputsConfig struct {
	Roots   []string `mapstructure:"roots"`
	Scratch string   `mapstructure:"scratch"`
}

// WarmupConfig drives the periodic pre-warm scheduler.
type WarmupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Jitter   time.Duration `mapstructure:"jitter"`
}

// HistoryConfig selects a lifecycle event sink.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // sqlite | postgres
	DSN     string `mapstructure:"dsn"`
}

// TLSConfig enables TLS on the public gateway listener.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
	Dir          string `mapstructure:"dir"` // directory-based certs (tls.crt / tls.key)
	AutoGenerate bool   `mapstructure:"auto_generate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:      ":8880",
		AdminListen: "127.0.0.1:8899",
		AutoStart:   false,
		Model: ModelConfig{
			ID:       "kokoro-v1.0",
			CacheDir: "~/.cache/voxgate/models",
			Speed:    1.0,
			Format:   "mp3",
		},
		Worker: WorkerConfig{
			GraceTimeout: 5 * time.Second,
			HealthPath:   "/health",
		},
		Restart: RestartConfig{
			Enabled:       true,
			Max:           3,
			Delay:         2 * time.Second,
			HealthyUptime: 60 * time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  3 * time.Second,
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:     1 << 20,  // 1 MiB of JSON is plenty of text
			MaxResponseBytes: 64 << 20, // audio cap
			Timeout:          5 * time.Minute,
			RateLimitBurst:   4,
		},
		Outputs: OutputsConfig{
			Scratch: "/tmp/voxgate",
		},
		Warmup: WarmupConfig{
			Interval: 10 * time.Minute,
			Jitter:   30 * time.Second,
		},
	}
}

// Load reads a TOML config file, merges it over defaults and validates it.
// Environment variables prefixed VOXGATE_ override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("voxgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch re-reads the config file whenever it changes and invokes onChange
// with the freshly validated result. Invalid edits are reported and skipped.
func Watch(path string, onChange func(Config), onError func(error)) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

// Validate checks invariants that cannot be expressed structurally.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if _, err := c.Binding(); err != nil {
		return err
	}
	if c.Model.ID == "" {
		return fmt.Errorf("model.id required")
	}
	if c.Model.LangCode != "" {
		if _, err := language.Parse(c.Model.LangCode); err != nil {
			return fmt.Errorf("model.lang_code %q: %w", c.Model.LangCode, err)
		}
	}
	if c.Restart.Max < 0 {
		return fmt.Errorf("restart.max must be >= 0")
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be positive")
	}
	switch c.History.Type {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("history.type %q: must be sqlite or postgres", c.History.Type)
	}
	return nil
}

// BindingMode tags how the worker port was chosen.
type BindingMode string

const (
	BindingAuto     BindingMode = "auto"
	BindingExplicit BindingMode = "explicit"
)

// PortBinding is the resolved (public, worker) port pair. It is recomputed on
// every configuration apply and read-only everywhere else.
type PortBinding struct {
	Public int
	Worker int
	Mode   BindingMode
}

// Binding resolves the public port from the listen address and derives the
// worker port (public+1) unless one was configured explicitly. Port 0 on the
// listen address asks the OS for an ephemeral port; that is allowed only when
// the worker port is explicit, since there is no public port to derive from.
func (c *Config) Binding() (PortBinding, error) {
	_, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return PortBinding{}, fmt.Errorf("listen address %q: %w", c.Listen, err)
	}
	public, err := strconv.Atoi(portStr)
	if err != nil || public < 0 || public > 65535 {
		return PortBinding{}, fmt.Errorf("listen address %q: invalid port", c.Listen)
	}
	b := PortBinding{Public: public, Worker: c.Worker.Port, Mode: BindingExplicit}
	if b.Worker == 0 {
		if public == 0 {
			return PortBinding{}, fmt.Errorf("listen address %q: ephemeral port requires an explicit worker port", c.Listen)
		}
		b.Worker = public + 1
		b.Mode = BindingAuto
	}
	if b.Worker == b.Public {
		return PortBinding{}, fmt.Errorf("worker port %d collides with public port", b.Worker)
	}
	return b, nil
}
