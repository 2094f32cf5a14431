package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every XDG default at a temp dir so the host's files never
// leak into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	return dir
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		path := DefaultDBPath()

		expected := "/custom/cache/oneclick/jobs.db"
		if path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()

		if !strings.HasSuffix(path, filepath.Join(".cache", "oneclick", "jobs.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/oneclick/jobs.db", path)
		}
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := DefaultConfigPath(); got != "/custom/config/oneclick/config.toml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/Videos", filepath.Join(home, "Videos")},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"rel/~/x", "rel/~/x"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Role != RoleAll || cfg.Store.Driver != "sqlite" || cfg.Queue.Driver != "local" {
		t.Errorf("role/store/queue = %s/%s/%s, want all/sqlite/local", cfg.Role, cfg.Store.Driver, cfg.Queue.Driver)
	}
	if want := filepath.Join(dir, "cache", "oneclick", "jobs.db"); cfg.Store.SQLitePath != want {
		t.Errorf("SQLitePath = %q, want %q", cfg.Store.SQLitePath, want)
	}
	if rs := cfg.Render.Settings(); rs.Resolution != "1920x1080" || rs.Format != "mp4" {
		t.Errorf("Render.Settings() = %+v", rs)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, filepath.Join(dir, "config", "oneclick", "config.toml"), `
env = "staging"
log_level = "debug"

[http]
port = 9000

[queue]
workers = 4
job_timeout = "5m"
max_retries = 5
recover_interval = "30s"

[render]
resolution = "1280x720"
format = "webm"

[[pipeline]]
name = "render"
pattern = '\.mp4$'
command = "ffmpeg"
args = ["-i", "{input}", "{workdir}/out.{format}"]
isolate = false
`)

	t.Setenv("ONECLICK_PORT", "9100")
	t.Setenv("ONECLICK_WORKERS", "6")

	cfg, err := Load([]string{"-config", path, "-workers", "8"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != "staging" || cfg.LogLevel != "debug" {
		t.Errorf("env/log_level = %s/%s, want staging/debug from file", cfg.Env, cfg.LogLevel)
	}
	if cfg.HTTP.Port != 9100 {
		t.Errorf("Port = %d, want 9100 from env", cfg.HTTP.Port)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("Workers = %d, want 8 from flag", cfg.Queue.Workers)
	}
	if cfg.Queue.JobTimeout != 5*time.Minute || cfg.Queue.MaxRetries != 5 {
		t.Errorf("JobTimeout/MaxRetries = %v/%d, want 5m/5", cfg.Queue.JobTimeout, cfg.Queue.MaxRetries)
	}
	if cfg.Queue.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want default 1s", cfg.Queue.PollInterval)
	}
	if cfg.Queue.RecoverInterval != 30*time.Second {
		t.Errorf("RecoverInterval = %v, want 30s from file", cfg.Queue.RecoverInterval)
	}
	if rs := cfg.Render.Settings(); rs.Resolution != "1280x720" || rs.Format != "webm" {
		t.Errorf("Render.Settings() = %+v", rs)
	}

	if len(cfg.Pipelines) != 1 {
		t.Fatalf("Pipelines = %d, want 1", len(cfg.Pipelines))
	}
	p := cfg.Pipelines[0]
	if p.Name != "render" || p.Command != "ffmpeg" || len(p.Args) != 3 {
		t.Errorf("pipeline = %+v", p)
	}
	if p.Isolate == nil || *p.Isolate {
		t.Errorf("Isolate = %v, want false", p.Isolate)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	envFile := writeFile(t, filepath.Join(dir, "test.env"), "ONECLICK_QUEUE_NAME=from-dotenv\nONECLICK_ENV=from-dotenv\n")
	t.Setenv("ONECLICK_ENV", "from-env")
	// Registered for cleanup so the value loaded from the file does not leak.
	t.Setenv("ONECLICK_QUEUE_NAME", "")
	os.Unsetenv("ONECLICK_QUEUE_NAME")

	cfg, err := Load([]string{"-env-file", envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != "from-env" {
		t.Errorf("Env = %q, want real environment to win over .env", cfg.Env)
	}
	if cfg.Queue.Name != "from-dotenv" {
		t.Errorf("Queue.Name = %q, want from-dotenv", cfg.Queue.Name)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		args []string
	}{
		{name: "missing explicit config", args: []string{"-config", "/nonexistent/oneclick.toml"}},
		{name: "missing explicit env file", args: []string{"-env-file", "/nonexistent/.env"}},
		{name: "malformed toml", file: "port = ["},
		{name: "unknown key", file: "[http]\nprot = 1\n"},
		{name: "bad env int", env: map[string]string{"ONECLICK_PORT": "eighty"}},
		{name: "bad env duration", env: map[string]string{"ONECLICK_JOB_TIMEOUT": "soon"}},
		{name: "bad flag", args: []string{"-workers", "many"}},
		{name: "invalid after merge", args: []string{"-store", "cassandra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			args := tt.args
			if tt.file != "" {
				path := writeFile(t, filepath.Join(dir, "c.toml"), tt.file)
				args = append([]string{"-config", path}, args...)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(args); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad role", func(c *Config) { c.Role = "both" }, "role"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "store.postgres.url"},
		{"redis store without url", func(c *Config) { c.Store.Driver = "redis" }, "store.redis_url"},
		{"redis queue without url", func(c *Config) { c.Queue.Driver = "redis" }, "queue.redis_url"},
		{"local queue split roles", func(c *Config) { c.Role = RoleAPI }, "queue.driver local"},
		{"memory store split roles", func(c *Config) {
			c.Role = RoleWorker
			c.Store.Driver = "memory"
			c.Queue.Driver = "redis"
			c.Queue.RedisURL = "redis://localhost:6379"
		}, "store.driver memory"},
		{"no workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries"},
		{"too many retries", func(c *Config) { c.Queue.MaxRetries = 11 }, "queue.max_retries"},
		{"zero recover interval", func(c *Config) { c.Queue.RecoverInterval = 0 }, "queue.recover_interval"},
		{"bad render default", func(c *Config) { c.Render.Format = "gif" }, "render"},
		{"bad pipeline pattern", func(c *Config) {
			c.Pipelines = []PipelineConfig{{Name: "x", Pattern: "[", Command: "true"}}
		}, "invalid pattern"},
		{"duplicate pipeline", func(c *Config) {
			c.Pipelines = []PipelineConfig{
				{Name: "x", Pattern: ".*", Command: "true"},
				{Name: "x", Pattern: ".*", Command: "true"},
			}
		}, "duplicate name"},
		{"split roles on redis", func(c *Config) {
			c.Role = RoleWorker
			c.Store.Driver = "postgres"
			c.Store.Postgres.URL = "postgres://localhost/oneclick"
			c.Queue.Driver = "redis"
			c.Queue.RedisURL = "redis://localhost:6379"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
