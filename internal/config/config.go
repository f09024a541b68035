package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	appName        = "cmo"
	configFileName = "config.yaml"
	envPrefix      = "CMO"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type Events struct {
	Sinks  []string `json:"sinks" yaml:"sinks"`
	Stream string   `json:"stream" yaml:"stream"`
	MaxLen int64    `json:"max_len" yaml:"max_len"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Config struct {
	DataDir         string        `json:"data_dir" yaml:"data_dir"`
	Backend         string        `json:"backend" yaml:"backend"`
	PostgresDSN     string        `json:"postgres_dsn" yaml:"postgres_dsn"`
	Redis           Redis         `json:"redis" yaml:"redis"`
	Workers         int           `json:"workers" yaml:"workers"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	JobTimeout      time.Duration `json:"job_timeout" yaml:"job_timeout"`
	ShutdownPolicy  string        `json:"shutdown_policy" yaml:"shutdown_policy"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	RecoveryPolicy  string        `json:"recovery_policy" yaml:"recovery_policy"`
	ProgressBuffer  int           `json:"progress_buffer" yaml:"progress_buffer"`
	StatusInterval  time.Duration `json:"status_interval" yaml:"status_interval"`
	CacheSize       int           `json:"cache_size" yaml:"cache_size"`
	Events          Events        `json:"events" yaml:"events"`
	Log             Log           `json:"log" yaml:"log"`
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr"`

	path string
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindDuration
	kindList
)

// keys are the settings config set accepts.
var keys = map[string]kind{
	"data_dir":         kindString,
	"backend":          kindString,
	"postgres_dsn":     kindString,
	"redis.addr":       kindString,
	"redis.password":   kindString,
	"redis.db":         kindInt,
	"redis.prefix":     kindString,
	"workers":          kindInt,
	"poll_interval":    kindDuration,
	"job_timeout":      kindDuration,
	"shutdown_policy":  kindString,
	"shutdown_timeout": kindDuration,
	"recovery_policy":  kindString,
	"progress_buffer":  kindInt,
	"status_interval":  kindDuration,
	"cache_size":       kindInt,
	"events.sinks":     kindList,
	"events.stream":    kindString,
	"events.max_len":   kindInt,
	"log.level":        kindString,
	"log.format":       kindString,
	"http_addr":        kindString,
}

// Keys lists the settable keys in order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setDefaults(v *viper.Viper, path string) {
	v.SetDefault("data_dir", filepath.Join(filepath.Dir(path), "data"))
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", appName)
	v.SetDefault("workers", 1)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("job_timeout", "0s")
	v.SetDefault("shutdown_policy", "drain")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("recovery_policy", "fail")
	v.SetDefault("progress_buffer", 16)
	v.SetDefault("status_interval", "2s")
	v.SetDefault("cache_size", 1024)
	v.SetDefault("events.sinks", []string{"log"})
	v.SetDefault("events.stream", appName+":events")
	v.SetDefault("events.max_len", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http_addr", ":8080")
}

// DefaultPath is config.yaml under the user's config directory.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName, configFileName), nil
}

// Load reads path (DefaultPath when empty), writing the defaults there on first run.
// CMO_* environment variables override the file.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaults(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v, path)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := fromViper(v)
	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	v := viper.New()
	setDefaults(v, path)
	return v.SafeWriteConfigAs(path)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DataDir:     v.GetString("data_dir"),
		Backend:     v.GetString("backend"),
		PostgresDSN: v.GetString("postgres_dsn"),
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		Workers:         v.GetInt("workers"),
		PollInterval:    v.GetDuration("poll_interval"),
		JobTimeout:      v.GetDuration("job_timeout"),
		ShutdownPolicy:  v.GetString("shutdown_policy"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		RecoveryPolicy:  v.GetString("recovery_policy"),
		ProgressBuffer:  v.GetInt("progress_buffer"),
		StatusInterval:  v.GetDuration("status_interval"),
		CacheSize:       v.GetInt("cache_size"),
		Events: Events{
			Sinks:  splitList(v.GetStringSlice("events.sinks")),
			Stream: v.GetString("events.stream"),
			MaxLen: v.GetInt64("events.max_len"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		HTTPAddr: v.GetString("http_addr"),
	}
}

// splitList accepts both YAML lists and comma separated values from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres backend needs postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == BackendSQLite && c.DataDir == "" {
		return errors.New("sqlite backend needs data_dir")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("status_interval must be positive, got %s", c.StatusInterval)
	}
	if c.JobTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.ShutdownPolicy != "drain" && c.ShutdownPolicy != "cancel" {
		return fmt.Errorf("unknown shutdown_policy %q", c.ShutdownPolicy)
	}
	if c.RecoveryPolicy != "fail" && c.RecoveryPolicy != "requeue" {
		return fmt.Errorf("unknown recovery_policy %q", c.RecoveryPolicy)
	}
	if c.ProgressBuffer < 1 {
		return fmt.Errorf("progress_buffer must be >= 1, got %d", c.ProgressBuffer)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be >= 1, got %d", c.CacheSize)
	}
	for _, s := range c.Events.Sinks {
		if s != "log" && s != "redis" {
			return fmt.Errorf("unknown event sink %q", s)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Set validates value for key and persists it to the config file. Environment
// overrides are not written back.
func (c *Config) Set(key, value string) error {
	k, ok := keys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	var parsed any
	switch k {
	case kindInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		parsed = i
	case kindDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		parsed = value
	case kindList:
		parsed = splitList([]string{value})
	default:
		parsed = value
	}

	file := viper.New()
	setDefaults(file, c.path)
	file.SetConfigFile(c.path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", c.path, err)
	}
	file.Set(key, parsed)

	next := fromViper(file)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := file.WriteConfigAs(c.path); err != nil {
		return err
	}

	reloaded, err := Load(c.path)
	if err != nil {
		return err
	}
	*c = *reloaded
	return nil
}
