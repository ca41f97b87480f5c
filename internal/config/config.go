// Package config loads sqlgate configuration from TOML, environment and flags.
//
// Precedence: defaults < config file < SQLGATE_* environment < flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SQLGATE_TARGET_URL.
const EnvPrefix = "SQLGATE"

// Config is the full sqlgate configuration.
type Config struct {
	Target        TargetConfig        `mapstructure:"target"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Approval      ApprovalConfig      `mapstructure:"approval"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Daemon        DaemonConfig        `mapstructure:"daemon"`
	State         StateConfig         `mapstructure:"state"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Log           LogConfig           `mapstructure:"log"`
}

type TargetConfig struct {
	// URL selects the dialect by scheme: sqlite://, postgres://, mysql://.
	URL string `mapstructure:"url"`
	// Driver overrides the postgres driver: "pgx" (default) or "postgres" (lib/pq).
	Driver       string `mapstructure:"driver"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type SchemaConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SampleRows     int           `mapstructure:"sample_rows"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

type ApprovalConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// AutoApproveDDL lists globs of DDL that skips human review.
	AutoApproveDDL []string `mapstructure:"auto_approve_ddl"`
	// MaxPendingPerSession caps open approvals per agent session; 0 disables it.
	MaxPendingPerSession int `mapstructure:"max_pending_per_session"`
}

type ExecutorConfig struct {
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	MaxRows          int           `mapstructure:"max_rows"`
	MaxBytes         int           `mapstructure:"max_bytes"`
}

type LimitsConfig struct {
	// CallsPerSecond per session; 0 disables limiting.
	CallsPerSecond float64 `mapstructure:"calls_per_second"`
	Burst          int     `mapstructure:"burst"`
}

type DaemonConfig struct {
	SocketPath    string        `mapstructure:"socket_path"`
	PIDFile       string        `mapstructure:"pid_file"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

type NotificationsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// Desktop raises an OS notification for each new pending approval.
	Desktop bool `mapstructure:"desktop"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics; empty disables it.
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// defaults are written to new config files as-is, so durations stay strings.
var defaults = map[string]any{
	"target.url":                       "",
	"target.driver":                    "",
	"target.max_open_conns":            4,
	"schema.ttl":                       "5m",
	"schema.sample_rows":               5,
	"schema.refresh_timeout":           "30s",
	"approval.timeout":                 "5m",
	"approval.poll_interval":           "500ms",
	"approval.auto_approve_ddl":        []string{},
	"approval.max_pending_per_session": 10,
	"executor.statement_timeout":       "30s",
	"executor.max_rows":                1000,
	"executor.max_bytes":               1 << 20,
	"limits.calls_per_second":          5.0,
	"limits.burst":                     10,
	"daemon.socket_path":               "",
	"daemon.pid_file":                  "",
	"daemon.sweep_interval":            "5s",
	"state.path":                       "",
	"notifications.webhook_url":        "",
	"notifications.desktop":            false,
	"metrics.listen":                   "",
	"log.level":                        "info",
}

// HomeDir is $SQLGATE_HOME, or ~/.sqlgate.
func HomeDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sqlgate"
	}
	return filepath.Join(home, ".sqlgate")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.toml")
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (or DefaultPath when empty). A missing
// default file is not an error; a missing explicit file is.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New()
	if path == "" {
		path = DefaultPath()
	} else if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the current settings of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() {
	home := HomeDir()
	if c.State.Path == "" {
		c.State.Path = filepath.Join(home, "state.db")
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(home, "sqlgate.sock")
	}
	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = filepath.Join(home, "sqlgate.pid")
	}
}

// LogFile is where the daemon writes its log.
func (c *Config) LogFile() string {
	return filepath.Join(filepath.Dir(c.State.Path), "logs", "daemon.log")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Schema.SampleRows < 0 || c.Schema.SampleRows > 5:
		return fmt.Errorf("schema.sample_rows must be between 0 and 5, got %d", c.Schema.SampleRows)
	case c.Schema.TTL <= 0:
		return fmt.Errorf("schema.ttl must be positive")
	case c.Approval.Timeout <= 0:
		return fmt.Errorf("approval.timeout must be positive")
	case c.Approval.MaxPendingPerSession < 0:
		return fmt.Errorf("approval.max_pending_per_session must not be negative, got %d", c.Approval.MaxPendingPerSession)
	case c.Executor.StatementTimeout <= 0:
		return fmt.Errorf("executor.statement_timeout must be positive")
	case c.Executor.MaxRows <= 0:
		return fmt.Errorf("executor.max_rows must be positive, got %d", c.Executor.MaxRows)
	case c.Executor.MaxBytes <= 0:
		return fmt.Errorf("executor.max_bytes must be positive, got %d", c.Executor.MaxBytes)
	case c.Limits.CallsPerSecond < 0:
		return fmt.Errorf("limits.calls_per_second must not be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Watch re-decodes the file on every change and hands the result to fn.
// Invalid edits are passed as errors and the previous config stays in force.
func Watch(v *viper.Viper, fn func(cfg *Config, ev fsnotify.Event, err error)) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := Decode(v)
		fn(cfg, ev, err)
	})
	v.WatchConfig()
}

// WriteDefault writes a commented default config to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := `# sqlgate configuration
#
# Precedence: defaults < this file < env (SQLGATE_*, e.g. SQLGATE_TARGET_URL) < flags
# target.url examples: sqlite:///path/to/app.db, postgres://user@host/db, mysql://user@host:3306/db

`
	if _, err := f.WriteString(header); err != nil {
		return false, err
	}

	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	if err := enc.Encode(nested(defaults)); err != nil {
		return false, err
	}
	return true, nil
}

// nested turns dotted keys into TOML tables.
func nested(flat map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	for k, v := range flat {
		section, key, _ := strings.Cut(k, ".")
		if out[section] == nil {
			out[section] = map[string]any{}
		}
		out[section][key] = v
	}
	return out
}
