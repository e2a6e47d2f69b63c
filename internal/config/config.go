// Package config loads the dispatch server configuration from defaults, an
// optional YAML or TOML file, DISPATCH_* environment variables and flags, in
// that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dispatch "github.com/UniQw/uniqw-dispatch"
	"github.com/UniQw/uniqw-dispatch/internal/eligibility"
	"github.com/UniQw/uniqw-dispatch/internal/scheduler"
	"github.com/UniQw/uniqw-dispatch/internal/store"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds the resolved settings of a dispatch server process.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MetricsAddr   string
	LogFormat     string
	LogLevel      string

	RebroadcastSchedule string
	ReapSchedule        string
	DetectSchedule      string
	Concurrency         int
	TaskParallelism     int
	ScanLimit           int64

	HeartbeatTimeout  time.Duration
	ValidationTimeout time.Duration
	Retention         time.Duration

	SmallPoolThreshold int
	MaxRounds          int
	LargePoolFanout    int
	BaseInterval       time.Duration
	MaxInterval        time.Duration
	NoConnectedRetry   time.Duration
}

// Default returns the stock configuration.
func Default() Config {
	p := scheduler.DefaultPolicy()
	return Config{
		RedisAddr:           "127.0.0.1:6379",
		MetricsAddr:         ":9090",
		LogFormat:           "text",
		LogLevel:            "info",
		RebroadcastSchedule: dispatch.DefaultRebroadcastSchedule,
		ReapSchedule:        dispatch.DefaultReapSchedule,
		DetectSchedule:      dispatch.DefaultDetectSchedule,
		Concurrency:         4,
		TaskParallelism:     8,
		HeartbeatTimeout:    eligibility.DefaultHeartbeatTimeout,
		ValidationTimeout:   scheduler.DefaultValidationTimeout,
		Retention:           store.DefaultRetention,
		SmallPoolThreshold:  p.SmallPoolThreshold,
		MaxRounds:           p.MaxRounds,
		LargePoolFanout:     p.LargePoolFanout,
		BaseInterval:        p.BaseInterval,
		MaxInterval:         p.MaxInterval,
		NoConnectedRetry:    p.NoConnectedRetry,
	}
}

// FileConfig is the on-disk layout. Unset fields keep the current value;
// durations are Go duration strings.
type FileConfig struct {
	Redis struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       *int   `yaml:"db" toml:"db"`
	} `yaml:"redis" toml:"redis"`
	Metrics struct {
		Addr string `yaml:"addr" toml:"addr"`
	} `yaml:"metrics" toml:"metrics"`
	Log struct {
		Format string `yaml:"format" toml:"format"`
		Level  string `yaml:"level" toml:"level"`
	} `yaml:"log" toml:"log"`
	Schedules struct {
		Rebroadcast string `yaml:"rebroadcast" toml:"rebroadcast"`
		Reap        string `yaml:"reap" toml:"reap"`
		Detect      string `yaml:"detect" toml:"detect"`
	} `yaml:"schedules" toml:"schedules"`
	Concurrency       *int   `yaml:"concurrency" toml:"concurrency"`
	TaskParallelism   *int   `yaml:"task_parallelism" toml:"task_parallelism"`
	ScanLimit         *int64 `yaml:"scan_limit" toml:"scan_limit"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ValidationTimeout string `yaml:"validation_timeout" toml:"validation_timeout"`
	Retention         string `yaml:"retention" toml:"retention"`
	Rebroadcast       struct {
		SmallPoolThreshold *int   `yaml:"small_pool_threshold" toml:"small_pool_threshold"`
		MaxRounds          *int   `yaml:"max_rounds" toml:"max_rounds"`
		LargePoolFanout    *int   `yaml:"large_pool_fanout" toml:"large_pool_fanout"`
		BaseInterval       string `yaml:"base_interval" toml:"base_interval"`
		MaxInterval        string `yaml:"max_interval" toml:"max_interval"`
		NoConnectedRetry   string `yaml:"no_connected_retry" toml:"no_connected_retry"`
	} `yaml:"rebroadcast" toml:"rebroadcast"`
}

// LoadFile reads a YAML (.yaml, .yml) or TOML (.toml) file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// ApplyFile overlays the set fields of fc onto cfg.
func (cfg *Config) ApplyFile(fc *FileConfig) error {
	if fc == nil {
		return nil
	}
	setString(&cfg.RedisAddr, fc.Redis.Addr)
	setString(&cfg.RedisPassword, fc.Redis.Password)
	if fc.Redis.DB != nil {
		cfg.RedisDB = *fc.Redis.DB
	}
	setString(&cfg.MetricsAddr, fc.Metrics.Addr)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.RebroadcastSchedule, fc.Schedules.Rebroadcast)
	setString(&cfg.ReapSchedule, fc.Schedules.Reap)
	setString(&cfg.DetectSchedule, fc.Schedules.Detect)
	if fc.Concurrency != nil {
		cfg.Concurrency = *fc.Concurrency
	}
	if fc.TaskParallelism != nil {
		cfg.TaskParallelism = *fc.TaskParallelism
	}
	if fc.ScanLimit != nil {
		cfg.ScanLimit = *fc.ScanLimit
	}
	if fc.Rebroadcast.SmallPoolThreshold != nil {
		cfg.SmallPoolThreshold = *fc.Rebroadcast.SmallPoolThreshold
	}
	if fc.Rebroadcast.MaxRounds != nil {
		cfg.MaxRounds = *fc.Rebroadcast.MaxRounds
	}
	if fc.Rebroadcast.LargePoolFanout != nil {
		cfg.LargePoolFanout = *fc.Rebroadcast.LargePoolFanout
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"heartbeat_timeout", fc.HeartbeatTimeout, &cfg.HeartbeatTimeout},
		{"validation_timeout", fc.ValidationTimeout, &cfg.ValidationTimeout},
		{"retention", fc.Retention, &cfg.Retention},
		{"rebroadcast.base_interval", fc.Rebroadcast.BaseInterval, &cfg.BaseInterval},
		{"rebroadcast.max_interval", fc.Rebroadcast.MaxInterval, &cfg.MaxInterval},
		{"rebroadcast.no_connected_retry", fc.Rebroadcast.NoConnectedRetry, &cfg.NoConnectedRetry},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

// ApplyEnv overlays DISPATCH_* environment variables onto cfg.
func (cfg *Config) ApplyEnv() error {
	setString(&cfg.RedisAddr, os.Getenv("DISPATCH_REDIS_ADDR"))
	setString(&cfg.RedisPassword, os.Getenv("DISPATCH_REDIS_PASSWORD"))
	setString(&cfg.MetricsAddr, os.Getenv("DISPATCH_METRICS_ADDR"))
	setString(&cfg.LogFormat, os.Getenv("DISPATCH_LOG_FORMAT"))
	setString(&cfg.LogLevel, os.Getenv("DISPATCH_LOG_LEVEL"))
	setString(&cfg.RebroadcastSchedule, os.Getenv("DISPATCH_REBROADCAST_SCHEDULE"))
	setString(&cfg.ReapSchedule, os.Getenv("DISPATCH_REAP_SCHEDULE"))
	setString(&cfg.DetectSchedule, os.Getenv("DISPATCH_DETECT_SCHEDULE"))

	ints := []struct {
		env string
		dst *int
	}{
		{"DISPATCH_REDIS_DB", &cfg.RedisDB},
		{"DISPATCH_CONCURRENCY", &cfg.Concurrency},
		{"DISPATCH_TASK_PARALLELISM", &cfg.TaskParallelism},
	}
	for _, e := range ints {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.env, err)
		}
		*e.dst = n
	}
	if v := os.Getenv("DISPATCH_SCAN_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DISPATCH_SCAN_LIMIT: %w", err)
		}
		cfg.ScanLimit = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"DISPATCH_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"DISPATCH_VALIDATION_TIMEOUT", &cfg.ValidationTimeout},
		{"DISPATCH_RETENTION", &cfg.Retention},
	}
	for _, e := range durations {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		d, err := parseDurationField(e.env, v)
		if err != nil {
			return err
		}
		*e.dst = d
	}
	return nil
}

// BindFlags registers command line flags that override cfg when parsed.
// The current values of cfg are the flag defaults.
func (cfg *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.RebroadcastSchedule, "rebroadcast-schedule", cfg.RebroadcastSchedule, "Rebroadcast iterator schedule")
	fs.StringVar(&cfg.ReapSchedule, "reap-schedule", cfg.ReapSchedule, "Reaper iterator schedule")
	fs.StringVar(&cfg.DetectSchedule, "detect-schedule", cfg.DetectSchedule, "Disconnect detector schedule")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Accounts handled at once per iterator")
	fs.IntVar(&cfg.TaskParallelism, "task-parallelism", cfg.TaskParallelism, "Tasks handled at once per account")
	fs.Int64Var(&cfg.ScanLimit, "scan-limit", cfg.ScanLimit, "Tasks handled per status and account per pass (0 = no cap)")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Heartbeat age after which a delegate is disconnected")
	fs.DurationVar(&cfg.ValidationTimeout, "validation-timeout", cfg.ValidationTimeout, "Grace period after every eligible delegate validated a task")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "How long terminal tasks are kept")
}

// Validate checks the resolved configuration.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	for name, spec := range map[string]string{
		"rebroadcast": cfg.RebroadcastSchedule,
		"reap":        cfg.ReapSchedule,
		"detect":      cfg.DetectSchedule,
	} {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s schedule: %w", name, err))
		}
	}
	if cfg.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if cfg.TaskParallelism <= 0 {
		errs = append(errs, errors.New("task parallelism must be positive"))
	}
	if cfg.ScanLimit < 0 {
		errs = append(errs, errors.New("scan limit must not be negative"))
	}
	if cfg.HeartbeatTimeout <= 0 || cfg.ValidationTimeout <= 0 || cfg.Retention <= 0 {
		errs = append(errs, errors.New("timeouts and retention must be positive"))
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		errs = append(errs, errors.New("rebroadcast.max_interval must be >= rebroadcast.base_interval"))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.LogFormat))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy returns the rebroadcast policy described by cfg.
func (cfg *Config) Policy() dispatch.Policy {
	return dispatch.Policy{
		SmallPoolThreshold: cfg.SmallPoolThreshold,
		MaxRounds:          cfg.MaxRounds,
		LargePoolFanout:    cfg.LargePoolFanout,
		BaseInterval:       cfg.BaseInterval,
		MaxInterval:        cfg.MaxInterval,
		NoConnectedRetry:   cfg.NoConnectedRetry,
	}
}

// ServerConfig maps cfg onto the server configuration.
func (cfg *Config) ServerConfig(l dispatch.Logger) dispatch.ServerConfig {
	return dispatch.ServerConfig{
		Concurrency:         cfg.Concurrency,
		TaskParallelism:     cfg.TaskParallelism,
		RebroadcastSchedule: cfg.RebroadcastSchedule,
		ReapSchedule:        cfg.ReapSchedule,
		DetectSchedule:      cfg.DetectSchedule,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		ValidationTimeout:   cfg.ValidationTimeout,
		Retention:           cfg.Retention,
		ScanLimit:           cfg.ScanLimit,
		Policy:              cfg.Policy(),
		Logger:              l,
	}
}

// RedisOptions returns the client options for the configured Redis.
func (cfg *Config) RedisOptions() *redis.Options {
	return &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// Logger builds the slog logger described by LogFormat and LogLevel.
func (cfg *Config) Logger() *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Load resolves defaults, the file named by --config (if any), the
// environment and finally the flags in args.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return cfg, err
	}
	if !ok {
		path = os.Getenv("DISPATCH_CONFIG")
	}
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := cfg.ApplyFile(fc); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	var ignored string
	fs.StringVar(&ignored, "config", path, "Path to a YAML or TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") || strings.HasPrefix(arg, "-config=") {
			value := arg[strings.Index(arg, "=")+1:]
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
