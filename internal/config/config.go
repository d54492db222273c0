// ============================================================================
// RoadGuard 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 配置檔，並允許環境變數與命令列旗標覆寫
//
// 優先順序（高到低）:
//   1. 命令列旗標（由 cli 以 BindPFlag 綁定）
//   2. 環境變數 ROADGUARD_<SECTION>_<KEY>，例如 ROADGUARD_REVIEW_TIMEOUT=30s
//   3. 配置檔（預設 configs/roadguard.yaml）
//   4. 內建預設值
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ChuLiYu/roadguard/internal/decision"
	"github.com/ChuLiYu/roadguard/internal/gateway"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "ROADGUARD"

// Config represents the complete system configuration.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr" mapstructure:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	} `yaml:"server" mapstructure:"server"`

	Review struct {
		Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"review" mapstructure:"review"`

	Policy decision.Policy `yaml:"policy" mapstructure:"policy"`

	Dispatch gateway.Config `yaml:"dispatch" mapstructure:"dispatch"`

	Analysis struct {
		Workers    int           `yaml:"workers" mapstructure:"workers"`
		BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"`
		Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
		Addr       string        `yaml:"addr" mapstructure:"addr"` // 空值：使用內建 stub
		Stub       bool          `yaml:"stub" mapstructure:"stub"` // addr 為空時是否啟用 stub
	} `yaml:"analysis" mapstructure:"analysis"`

	Nodes struct {
		File     string        `yaml:"file" mapstructure:"file"`
		Watch    bool          `yaml:"watch" mapstructure:"watch"`
		Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	} `yaml:"nodes" mapstructure:"nodes"`

	Snapshot struct {
		Path     string        `yaml:"path" mapstructure:"path"`
		Interval time.Duration `yaml:"interval" mapstructure:"interval"`
		Keep     int           `yaml:"keep" mapstructure:"keep"`
	} `yaml:"snapshot" mapstructure:"snapshot"`

	Journal struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
		Sync    bool   `yaml:"sync" mapstructure:"sync"` // 每筆寫入後 fsync
	} `yaml:"journal" mapstructure:"journal"`

	Audit struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"audit" mapstructure:"audit"`

	Metrics struct {
		Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	} `yaml:"metrics" mapstructure:"metrics"`

	Log struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"log" mapstructure:"log"`
}

// defaults 內建預設值。每個 key 都必須在這裡出現，環境變數覆寫才會生效。
var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.shutdown_timeout": 10 * time.Second,

	"review.timeout": 60 * time.Second,

	"policy.min_speed":        decision.DefaultMinSpeed,
	"policy.max_speed":        decision.DefaultMaxSpeed,
	"policy.reduction_factor": decision.DefaultReductionFactor,

	"dispatch.max_attempts":  3,
	"dispatch.backoff_base":  2 * time.Second,
	"dispatch.backoff_max":   30 * time.Second,
	"dispatch.ack_timeout":   5 * time.Second,
	"dispatch.write_timeout": 10 * time.Second,
	"dispatch.read_timeout":  90 * time.Second,

	"analysis.workers":     4,
	"analysis.buffer_size": 100,
	"analysis.timeout":     10 * time.Second,
	"analysis.addr":        "",
	"analysis.stub":        true,

	"nodes.file":     "configs/nodes.yaml",
	"nodes.watch":    true,
	"nodes.debounce": 500 * time.Millisecond,

	"snapshot.path":     "data/snapshot.json",
	"snapshot.interval": 15 * time.Second,
	"snapshot.keep":     3,

	"journal.enabled": true,
	"journal.path":    "data/journal.log",
	"journal.sync":    true,

	"audit.enabled": true,
	"audit.path":    "data/audit.db",

	"metrics.enabled": true,

	"log.level":  "info",
	"log.format": "text",
}

// NewViper returns a viper instance with defaults and environment binding.
// Callers may bind command line flags before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional when empty) through v and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects values the system cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Review.Timeout > 0, "review.timeout must be positive, got %s", c.Review.Timeout)
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.Dispatch.MaxAttempts > 0, "dispatch.max_attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	check(c.Dispatch.BackoffBase > 0, "dispatch.backoff_base must be positive")
	check(c.Dispatch.BackoffMax >= c.Dispatch.BackoffBase, "dispatch.backoff_max must be >= backoff_base")
	check(c.Dispatch.AckTimeout > 0, "dispatch.ack_timeout must be positive")
	check(c.Analysis.Workers > 0, "analysis.workers must be positive, got %d", c.Analysis.Workers)
	check(c.Analysis.BufferSize >= 0, "analysis.buffer_size must not be negative")
	check(c.Analysis.Timeout > 0, "analysis.timeout must be positive")
	check(c.Nodes.File != "", "nodes.file is required")
	check(c.Snapshot.Interval >= 0, "snapshot.interval must not be negative")
	check(c.Snapshot.Keep >= 0, "snapshot.keep must not be negative")
	check(!c.Journal.Enabled || c.Journal.Path != "", "journal.path is required when the journal is enabled")
	check(!c.Audit.Enabled || c.Audit.Path != "", "audit.path is required when audit is enabled")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
