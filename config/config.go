// This package defines a common config struct which can be used by any subsystem of the pipeline.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// 30 days, the horizon after which a message waiting for a contact or group is given up on.
const defaultMaxKeepForLaterAgeMs = 30 * 24 * 60 * 60 * 1000

type Config struct {
	Debug                   bool   `yaml:"debug"`
	RootDir                 string `yaml:"root_dir"`
	LoggingPrefix           string `yaml:"logging_prefix"`
	MaxKeepForLaterAgeMs    int64  `yaml:"max_keep_for_later_age_ms"`
	EvictionIntervalMs      int64  `yaml:"eviction_interval_ms"`
	ReceiptMaxAttempts      int    `yaml:"receipt_max_attempts"`
	ContinuousFreshnessMs   int64  `yaml:"continuous_freshness_ms"`
	ContinuousQuietWindowMs int64  `yaml:"continuous_quiet_window_ms"`
	SagaWorkers             int    `yaml:"saga_workers"`
	SagaAgingMs             int64  `yaml:"saga_aging_ms"`
	MetricsNamespace        string `yaml:"metrics_namespace"`
	writer                  io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}
	// DPanic asserts while debugging and only logs otherwise.
	if c.Debug {
		opts = append(opts, zap.Development())
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

func (c Config) MaxKeepForLaterAge() time.Duration {
	return time.Duration(c.MaxKeepForLaterAgeMs) * time.Millisecond
}

func (c Config) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalMs) * time.Millisecond
}

func (c Config) ContinuousFreshness() time.Duration {
	return time.Duration(c.ContinuousFreshnessMs) * time.Millisecond
}

func (c Config) ContinuousQuietWindow() time.Duration {
	return time.Duration(c.ContinuousQuietWindowMs) * time.Millisecond
}

func (c Config) SagaAging() time.Duration {
	return time.Duration(c.SagaAgingMs) * time.Millisecond
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxKeepForLaterAgeMs(n int64) Option {
	return func(c *Config) {
		c.MaxKeepForLaterAgeMs = n
	}
}

func WithEvictionIntervalMs(n int64) Option {
	return func(c *Config) {
		c.EvictionIntervalMs = n
	}
}

func WithReceiptMaxAttempts(n int) Option {
	return func(c *Config) {
		c.ReceiptMaxAttempts = n
	}
}

func WithContinuousFreshnessMs(n int64) Option {
	return func(c *Config) {
		c.ContinuousFreshnessMs = n
	}
}

func WithContinuousQuietWindowMs(n int64) Option {
	return func(c *Config) {
		c.ContinuousQuietWindowMs = n
	}
}

func WithSagaWorkers(n int) Option {
	return func(c *Config) {
		c.SagaWorkers = n
	}
}

func WithSagaAgingMs(n int64) Option {
	return func(c *Config) {
		c.SagaAgingMs = n
	}
}

func WithMetricsNamespace(ns string) Option {
	return func(c *Config) {
		c.MetricsNamespace = ns
	}
}

// Disables the rotating log file, only the console core is kept.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.RootDir = ""
	}
}

func defaults() *Config {
	return &Config{
		Debug:                   os.Getenv("DEBUG") == "1",
		RootDir:                 ".",
		LoggingPrefix:           "",
		MaxKeepForLaterAgeMs:    defaultMaxKeepForLaterAgeMs,
		EvictionIntervalMs:      60000,
		ReceiptMaxAttempts:      10,
		ContinuousFreshnessMs:   60000,
		ContinuousQuietWindowMs: 10000,
		SagaWorkers:             4,
		SagaAgingMs:             2000,
		MetricsNamespace:        "reconcile",
	}
}

func NewConfig(opts ...Option) *Config {
	c := defaults()
	for _, o := range opts {
		o(c)
	}
	c.finish()
	return c
}

// LoadFile reads a YAML config file. Fields absent from the file keep their defaults, options are
// applied after the file.
func LoadFile(path string, opts ...Option) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	c := defaults()
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.finish()
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxKeepForLaterAgeMs <= 0 {
		return fmt.Errorf("config: max_keep_for_later_age_ms must be positive, got %d", c.MaxKeepForLaterAgeMs)
	}
	if c.EvictionIntervalMs <= 0 {
		return fmt.Errorf("config: eviction_interval_ms must be positive, got %d", c.EvictionIntervalMs)
	}
	if c.ReceiptMaxAttempts <= 0 {
		return fmt.Errorf("config: receipt_max_attempts must be positive, got %d", c.ReceiptMaxAttempts)
	}
	if c.SagaWorkers <= 0 {
		return fmt.Errorf("config: saga_workers must be positive, got %d", c.SagaWorkers)
	}
	return nil
}

func (c *Config) finish() {
	if c.RootDir == "" {
		return
	}
	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}
