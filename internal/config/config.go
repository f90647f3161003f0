package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel   = "warning"
	DefaultEnvPrefix  = "ACTLOG"
	DefaultConfigName = "actlog"
)

type Config struct {
	Interval           float64 `mapstructure:"interval"`
	ActivityThreshold  float64 `mapstructure:"activity_threshold"`
	RateWindow         float64 `mapstructure:"rate_window"`
	BurstIdleThreshold float64 `mapstructure:"burst_idle_threshold"`
	EMAAlpha           float64 `mapstructure:"ema_alpha"`
	PIDFile            string  `mapstructure:"pid_file"`
	Debug              bool    `mapstructure:"debug"`
	Verbose            bool    `mapstructure:"verbose"`
	LogLevel           string  `mapstructure:"log_level"`

	Output  OutputConfig  `mapstructure:"output"`
	Input   InputConfig   `mapstructure:"input"`
	GPU     GPUConfig     `mapstructure:"gpu"`
	Window  WindowConfig  `mapstructure:"window"`
	Schema  SchemaConfig  `mapstructure:"schema"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Elastic ElasticConfig `mapstructure:"elastic"`
}

type OutputConfig struct {
	Path       string `mapstructure:"path"`
	Fsync      bool   `mapstructure:"fsync"`
	MaxPending int    `mapstructure:"max_pending"`
}

type InputConfig struct {
	Command string `mapstructure:"command"`
}

type GPUConfig struct {
	Source          string  `mapstructure:"source"`
	Command         string  `mapstructure:"command"`
	HeaderMarker    string  `mapstructure:"header_marker"`
	ExpectedColumns int     `mapstructure:"expected_columns"`
	NVMLInterval    float64 `mapstructure:"nvml_interval"`
}

type WindowConfig struct {
	Command string  `mapstructure:"command"`
	Format  string  `mapstructure:"format"`
	Timeout float64 `mapstructure:"timeout"`
}

type SchemaConfig struct {
	WaitTicks int `mapstructure:"wait_ticks"`
}

type SQLiteConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Path         string `mapstructure:"path"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
	MaxBuffered  int    `mapstructure:"max_buffered"`
}

type ElasticConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Queue     int      `mapstructure:"queue"`
	Timeout   float64  `mapstructure:"timeout"`
}

// GPU sources
const (
	GPUSourceIntel = "intel_gpu_top"
	GPUSourceNVML  = "nvml"
	GPUSourceNone  = "none"
)

// Window reply formats
const (
	WindowFormatJSON  = "json"
	WindowFormatMango = "mango"
)

var defaults = map[string]any{
	"interval":             1.0,
	"activity_threshold":   3.0,
	"rate_window":          60.0,
	"burst_idle_threshold": 5.0,
	"ema_alpha":            0.3,
	"pid_file":             filepath.Join(os.TempDir(), "actlog.pid"),
	"debug":                false,
	"verbose":              false,
	"log_level":            DefaultLogLevel,

	"output.path":        "activity_log.csv",
	"output.fsync":       false,
	"output.max_pending": 600,

	"input.command": "libinput debug-events",

	"gpu.source":           GPUSourceIntel,
	"gpu.command":          "intel_gpu_top -c -s 1000",
	"gpu.header_marker":    "Freq MHz req",
	"gpu.expected_columns": 18,
	"gpu.nvml_interval":    1.0,

	"window.command": "niri msg -j focused-window",
	"window.format":  WindowFormatJSON,
	"window.timeout": 1.0,

	"schema.wait_ticks": 3,

	"sqlite.enabled":       false,
	"sqlite.path":          "activity_log.db",
	"sqlite.batch_size":    30,
	"sqlite.batch_timeout": 10,
	"sqlite.max_buffered":  600,

	"elastic.enabled":   false,
	"elastic.addresses": []string{"http://localhost:9200"},
	"elastic.index":     "actlog-samples",
	"elastic.queue":     256,
	"elastic.timeout":   3.0,
}

// flag name -> config key
var flagKeys = map[string]string{
	"interval":             "interval",
	"activity-threshold":   "activity_threshold",
	"rate-window":          "rate_window",
	"burst-idle-threshold": "burst_idle_threshold",
	"ema-alpha":            "ema_alpha",
	"pid-file":             "pid_file",
	"debug":                "debug",
	"verbose":              "verbose",
	"log-level":            "log_level",
	"output":               "output.path",
	"fsync":                "output.fsync",
	"input-command":        "input.command",
	"gpu-source":           "gpu.source",
	"gpu-command":          "gpu.command",
	"window-command":       "window.command",
	"window-format":        "window.format",
	"sqlite":               "sqlite.enabled",
	"sqlite-path":          "sqlite.path",
	"elastic":              "elastic.enabled",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("actlog", pflag.ContinueOnError)
	fs.String("config", "", "Path to a TOML config file")
	fs.Float64("interval", 1.0, "Seconds between samples")
	fs.Float64("activity-threshold", 3.0, "Seconds after the last input event the user counts as active")
	fs.Float64("rate-window", 60.0, "Sliding window in seconds for the average typing rate")
	fs.Float64("burst-idle-threshold", 5.0, "Idle seconds that end a typing burst")
	fs.Float64("ema-alpha", 0.3, "Smoothing factor for the typing rate")
	fs.String("pid-file", "", "PID file path")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.StringP("output", "o", "", "CSV output path")
	fs.Bool("fsync", false, "fsync the output file after every write")
	fs.String("input-command", "", "Input event source command")
	fs.String("gpu-source", "", "GPU source (intel_gpu_top, nvml, none)")
	fs.String("gpu-command", "", "GPU telemetry command")
	fs.String("window-command", "", "Focused window query command")
	fs.String("window-format", "", "Window query reply format (json, mango)")
	fs.Bool("sqlite", false, "Mirror rows into SQLite")
	fs.String("sqlite-path", "", "SQLite mirror path")
	fs.Bool("elastic", false, "Mirror rows into Elasticsearch")
	return fs
}

// Load reads configuration from defaults, an optional TOML file, ACTLOG_*
// environment variables and command line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	// Only flags set on the command line override file and env values
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(DefaultEnvPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, DefaultConfigName))
		}
		v.AddConfigPath("/etc/actlog")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	logger.Debug().Str("path", v.ConfigFileUsed()).Msg("Config file loaded")

	return nil
}

// Validate checks value ranges and enum fields.
func (c *Config) Validate() error {
	errFactory := errors.New()

	positive := map[string]float64{
		"interval":             c.Interval,
		"activity_threshold":   c.ActivityThreshold,
		"rate_window":          c.RateWindow,
		"burst_idle_threshold": c.BurstIdleThreshold,
		"window.timeout":       c.Window.Timeout,
	}
	for name, value := range positive {
		if value <= 0 {
			code := errors.ErrInvalidConfig
			if name == "interval" {
				code = errors.ErrInvalidInterval
			}
			return errFactory.WithData(code, fmt.Sprintf("%s must be positive, got %v", name, value))
		}
	}

	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("ema_alpha must be in (0, 1], got %v", c.EMAAlpha))
	}

	if c.Output.Path == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "output.path is empty")
	}

	switch c.GPU.Source {
	case GPUSourceIntel, GPUSourceNone:
	case GPUSourceNVML:
		if c.GPU.NVMLInterval <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "gpu.nvml_interval must be positive")
		}
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("unknown gpu.source %q", c.GPU.Source))
	}

	switch c.Window.Format {
	case WindowFormatJSON, WindowFormatMango:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("unknown window.format %q", c.Window.Format))
	}

	if c.GPU.ExpectedColumns < 0 || c.Schema.WaitTicks < 0 || c.Output.MaxPending < 1 || c.SQLite.MaxBuffered < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "counts must not be negative")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Seconds converts a float seconds setting to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ApplyLogLevel sets the global log level, with debug and verbose flags
// taking precedence over log_level.
func (c *Config) ApplyLogLevel() {
	switch {
	case c.Debug:
		logger.SetLogLevel(logger.DebugLevel)
	case c.Verbose:
		logger.SetLogLevel(logger.InfoLevel)
	default:
		level, _ := logger.ParseLevel(c.LogLevel)
		logger.SetLogLevel(level)
	}
}
