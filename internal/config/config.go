package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/cwygoda/oneclick/internal/domain"
)

// maxRetries caps queue.max_retries; the worker's claim lease grows
// exponentially with it.
const maxRetries = 10

// Roles select which halves of the service a process runs.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Config holds application configuration.
type Config struct {
	Name      string `toml:"name"`
	Env       string `toml:"env"`
	Debug     bool   `toml:"debug"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	Role      string `toml:"role"`

	HTTP      HTTPConfig       `toml:"http"`
	Store     StoreConfig      `toml:"store"`
	Queue     QueueConfig      `toml:"queue"`
	Render    RenderConfig     `toml:"render"`
	Pipelines []PipelineConfig `toml:"pipeline"`
}

type HTTPConfig struct {
	Port            int           `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	Secret          string        `toml:"secret"` // signs mutating requests when set
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver     string         `toml:"driver"` // memory, sqlite, postgres or redis
	SQLitePath string         `toml:"sqlite_path"`
	RedisURL   string         `toml:"redis_url"`
	Postgres   PostgresConfig `toml:"postgres"`
}

type PostgresConfig struct {
	URL             string        `toml:"url"`
	MaxConns        int32         `toml:"max_conns"`
	MinConns        int32         `toml:"min_conns"`
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `toml:"max_conn_idle_time"`
	DialTimeout     time.Duration `toml:"dial_timeout"`
}

// QueueConfig selects the task queue and sizes the worker.
type QueueConfig struct {
	Driver          string        `toml:"driver"` // local or redis
	RedisURL        string        `toml:"redis_url"`
	Name            string        `toml:"name"`
	Workers         int           `toml:"workers"`
	PollInterval    time.Duration `toml:"poll_interval"`
	MaxRetries      int           `toml:"max_retries"`
	JobTimeout      time.Duration `toml:"job_timeout"`
	RecoverInterval time.Duration `toml:"recover_interval"` // sweep for stalled Processing jobs
	Buffer          int           `toml:"buffer"`
}

// RenderConfig holds the defaults applied to new jobs and where pipeline
// outputs are written.
type RenderConfig struct {
	Resolution string `toml:"resolution"`
	Format     string `toml:"format"`
	OutputDir  string `toml:"output_dir"`
}

// Settings returns the default render settings for new jobs.
func (r RenderConfig) Settings() domain.RenderSettings {
	return domain.RenderSettings{Resolution: r.Resolution, Format: r.Format}
}

// PipelineConfig describes one external pipeline command.
type PipelineConfig struct {
	Name    string   `toml:"name"`
	Pattern string   `toml:"pattern"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Isolate *bool    `toml:"isolate"`
}

// DefaultConfigPath returns the config file location under XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "oneclick", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "oneclick", "jobs.db")
}

// DefaultOutputDir returns the default directory for rendered outputs.
func DefaultOutputDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos", "oneclick")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	rs := domain.DefaultRenderSettings()
	return &Config{
		Name:     "oneclick",
		Env:      "development",
		LogLevel: "info",
		Role:     RoleAll,
		HTTP: HTTPConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: DefaultDBPath(),
			Postgres: PostgresConfig{
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: 30 * time.Minute,
				MaxConnIdleTime: 5 * time.Minute,
				DialTimeout:     3 * time.Second,
			},
		},
		Queue: QueueConfig{
			Driver:          "local",
			Name:            "render",
			Workers:         2,
			PollInterval:    time.Second,
			MaxRetries:      3,
			JobTimeout:      30 * time.Minute,
			RecoverInterval: time.Minute,
			Buffer:          256,
		},
		Render: RenderConfig{
			Resolution: rs.Resolution,
			Format:     rs.Format,
			OutputDir:  DefaultOutputDir(),
		},
	}
}

// Load builds Config from defaults, the TOML file, a .env file, the
// environment and finally any flags given in args, each layer overriding
// the previous one.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("oneclick", flag.ContinueOnError)
	configPath := fs.String("config", DefaultConfigPath(), "TOML config file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded into the environment")
	var f Config
	fs.StringVar(&f.Role, "role", cfg.Role, "Process role: all, api or worker")
	fs.StringVar(&f.Env, "env", cfg.Env, "Deployment environment")
	fs.BoolVar(&f.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.StringVar(&f.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.IntVar(&f.HTTP.Port, "port", cfg.HTTP.Port, "HTTP server port")
	fs.StringVar(&f.Store.Driver, "store", cfg.Store.Driver, "Job store: memory, sqlite, postgres or redis")
	fs.StringVar(&f.Store.SQLitePath, "db", cfg.Store.SQLitePath, "SQLite database path")
	fs.StringVar(&f.Queue.Driver, "queue", cfg.Queue.Driver, "Task queue: local or redis")
	fs.IntVar(&f.Queue.Workers, "workers", cfg.Queue.Workers, "Concurrent pipeline runs")
	fs.DurationVar(&f.Queue.PollInterval, "poll-interval", cfg.Queue.PollInterval, "Queue poll interval")
	fs.IntVar(&f.Queue.MaxRetries, "max-retries", cfg.Queue.MaxRetries, "Maximum retry attempts")
	fs.DurationVar(&f.Queue.JobTimeout, "job-timeout", cfg.Queue.JobTimeout, "Timeout for one pipeline attempt")
	fs.DurationVar(&f.Queue.RecoverInterval, "recover-interval", cfg.Queue.RecoverInterval, "Sweep interval for stalled jobs")
	fs.StringVar(&f.Render.OutputDir, "output-dir", cfg.Render.OutputDir, "Rendered output directory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if err := cfg.loadFile(*configPath, set["config"]); err != nil {
		return nil, err
	}
	if err := godotenv.Load(*envFile); err != nil && (set["env-file"] || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Flag overrides, only for flags given explicitly.
	overrides := map[string]func(){
		"role":          func() { cfg.Role = f.Role },
		"env":           func() { cfg.Env = f.Env },
		"debug":         func() { cfg.Debug = f.Debug },
		"log-level":     func() { cfg.LogLevel = f.LogLevel },
		"port":          func() { cfg.HTTP.Port = f.HTTP.Port },
		"store":         func() { cfg.Store.Driver = f.Store.Driver },
		"db":               func() { cfg.Store.SQLitePath = f.Store.SQLitePath },
		"queue":            func() { cfg.Queue.Driver = f.Queue.Driver },
		"workers":          func() { cfg.Queue.Workers = f.Queue.Workers },
		"poll-interval":    func() { cfg.Queue.PollInterval = f.Queue.PollInterval },
		"max-retries":      func() { cfg.Queue.MaxRetries = f.Queue.MaxRetries },
		"job-timeout":      func() { cfg.Queue.JobTimeout = f.Queue.JobTimeout },
		"recover-interval": func() { cfg.Queue.RecoverInterval = f.Queue.RecoverInterval },
		"output-dir":       func() { cfg.Render.OutputDir = f.Render.OutputDir },
	}
	for name := range set {
		if apply, ok := overrides[name]; ok {
			apply()
		}
	}

	cfg.Store.SQLitePath = ExpandPath(cfg.Store.SQLitePath)
	cfg.Render.OutputDir = ExpandPath(cfg.Render.OutputDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes the TOML file at path over cfg. A missing file is only
// an error when it was asked for explicitly.
func (c *Config) loadFile(path string, required bool) error {
	path = ExpandPath(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// applyEnv applies ONECLICK_* environment overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ONECLICK_NAME", &c.Name)
	str("ONECLICK_ENV", &c.Env)
	if v := os.Getenv("ONECLICK_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ONECLICK_DEBUG: %w", err))
		} else {
			c.Debug = b
		}
	}
	str("ONECLICK_LOG_LEVEL", &c.LogLevel)
	str("ONECLICK_LOG_FORMAT", &c.LogFormat)
	str("ONECLICK_ROLE", &c.Role)
	integer("ONECLICK_PORT", &c.HTTP.Port)
	str("ONECLICK_HTTP_SECRET", &c.HTTP.Secret)

	str("ONECLICK_STORE", &c.Store.Driver)
	str("ONECLICK_DB", &c.Store.SQLitePath)
	str("ONECLICK_POSTGRES_URL", &c.Store.Postgres.URL)
	if v := os.Getenv("ONECLICK_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
		c.Queue.RedisURL = v
	}

	str("ONECLICK_QUEUE", &c.Queue.Driver)
	str("ONECLICK_QUEUE_NAME", &c.Queue.Name)
	integer("ONECLICK_WORKERS", &c.Queue.Workers)
	duration("ONECLICK_POLL_INTERVAL", &c.Queue.PollInterval)
	integer("ONECLICK_MAX_RETRIES", &c.Queue.MaxRetries)
	duration("ONECLICK_JOB_TIMEOUT", &c.Queue.JobTimeout)
	duration("ONECLICK_RECOVER_INTERVAL", &c.Queue.RecoverInterval)

	str("ONECLICK_RESOLUTION", &c.Render.Resolution)
	str("ONECLICK_FORMAT", &c.Render.Format)
	str("ONECLICK_OUTPUT_DIR", &c.Render.OutputDir)

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		add("role %q: want all, api or worker", c.Role)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		add("log_format %q: want text or json", c.LogFormat)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		add("http.port %d out of range", c.HTTP.Port)
	}

	switch c.Store.Driver {
	case "memory":
		if c.Role != RoleAll {
			add("store.driver memory requires role all")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required")
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			add("store.postgres.url is required")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			add("store.redis_url is required")
		}
	default:
		add("store.driver %q: want memory, sqlite, postgres or redis", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case "local":
		if c.Role != RoleAll {
			add("queue.driver local requires role all")
		}
		if c.Queue.Buffer < 1 {
			add("queue.buffer must be positive")
		}
	case "redis":
		if c.Queue.RedisURL == "" {
			add("queue.redis_url is required")
		}
	default:
		add("queue.driver %q: want local or redis", c.Queue.Driver)
	}
	if c.Queue.Name == "" {
		add("queue.name is required")
	}
	if c.Queue.Workers < 1 {
		add("queue.workers must be at least 1")
	}
	if c.Queue.MaxRetries < 0 || c.Queue.MaxRetries > maxRetries {
		add("queue.max_retries must be between 0 and %d", maxRetries)
	}
	if c.Queue.PollInterval <= 0 {
		add("queue.poll_interval must be positive")
	}
	if c.Queue.JobTimeout <= 0 {
		add("queue.job_timeout must be positive")
	}
	if c.Queue.RecoverInterval <= 0 {
		add("queue.recover_interval must be positive")
	}

	if err := c.Render.Settings().Validate(); err != nil {
		add("render: %w", err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Pipelines {
		switch {
		case p.Name == "":
			add("pipeline[%d]: name is required", i)
		case seen[p.Name]:
			add("pipeline[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Command == "" {
			add("pipeline %q: command is required", p.Name)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			add("pipeline %q: invalid pattern: %w", p.Name, err)
		}
	}

	return errors.Join(errs...)
}
