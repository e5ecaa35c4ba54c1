// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string
	HTTPAddr string

	// OAuth refresh endpoint for tenant credentials
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	RefreshTimeout    time.Duration

	// Worker subprocess settings
	WorkerCommand      string // argv, space separated
	WorkerAPIBaseURL   string // handed to workers as GATE_API_BASE_URL
	WorkerStartTimeout time.Duration

	// Pool settings
	PoolIdleLimit    time.Duration
	PoolReapInterval time.Duration

	// Admission control
	RateLimit  int
	RateWindow time.Duration

	// Tool-access policy (rego source file, optional)
	PolicyFile string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

// fileOverlay is the optional YAML config selected by GATE_CONFIG_FILE.
// Env vars still win for connection strings; the file covers tunables that
// operators version alongside deploy manifests.
type fileOverlay struct {
	WorkerCommand      string `yaml:"worker_command"`
	WorkerAPIBaseURL   string `yaml:"worker_api_base_url"`
	WorkerStartTimeout int    `yaml:"worker_start_timeout_sec"`
	PoolIdleLimit      int    `yaml:"pool_idle_limit_sec"`
	PoolReapInterval   int    `yaml:"pool_reap_interval_sec"`
	RateLimit          int    `yaml:"rate_limit"`
	RateWindowSec      int    `yaml:"rate_window_sec"`
	PolicyFile         string `yaml:"policy_file"`
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                env("GATE_ENV", "dev"),
		HTTPAddr:           env("GATE_HTTP_ADDR", ":8080"),
		OAuthTokenURL:      env("GATE_OAUTH_TOKEN_URL", ""),
		OAuthClientID:      env("GATE_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret:  env("GATE_OAUTH_CLIENT_SECRET", ""),
		RefreshTimeout:     envDur("GATE_REFRESH_TIMEOUT_SEC", 10) * time.Second,
		WorkerCommand:      env("GATE_WORKER_COMMAND", ""),
		WorkerAPIBaseURL:   env("GATE_WORKER_API_BASE_URL", ""),
		WorkerStartTimeout: envDur("GATE_WORKER_START_TIMEOUT_SEC", 30) * time.Second,
		PoolIdleLimit:      envDur("GATE_POOL_IDLE_LIMIT_SEC", 300) * time.Second,
		PoolReapInterval:   envDur("GATE_POOL_REAP_INTERVAL_SEC", 60) * time.Second,
		RateLimit:          envInt("GATE_RATE_LIMIT", 60),
		RateWindow:         envDur("GATE_RATE_WINDOW_SEC", 60) * time.Second,
		PolicyFile:         env("GATE_POLICY_FILE", ""),
		RedisURL:           env("REDIS_URL", ""),
		DatabaseURL:        env("DATABASE_URL", ""),
	}
	if path := os.Getenv("GATE_CONFIG_FILE"); path != "" {
		applyFile(&cfg, path)
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory credential store for dev")
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set — rate limiting falls back to in-process windows")
	}
	return cfg
}

func applyFile(cfg *Config, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[WARN] config file %s unreadable: %v", path, err)
		return
	}
	var f fileOverlay
	if err := yaml.Unmarshal(raw, &f); err != nil {
		log.Printf("[WARN] config file %s invalid: %v", path, err)
		return
	}
	if f.WorkerCommand != "" {
		cfg.WorkerCommand = f.WorkerCommand
	}
	if f.WorkerAPIBaseURL != "" {
		cfg.WorkerAPIBaseURL = f.WorkerAPIBaseURL
	}
	if f.WorkerStartTimeout > 0 {
		cfg.WorkerStartTimeout = time.Duration(f.WorkerStartTimeout) * time.Second
	}
	if f.PoolIdleLimit > 0 {
		cfg.PoolIdleLimit = time.Duration(f.PoolIdleLimit) * time.Second
	}
	if f.PoolReapInterval > 0 {
		cfg.PoolReapInterval = time.Duration(f.PoolReapInterval) * time.Second
	}
	if f.RateLimit > 0 {
		cfg.RateLimit = f.RateLimit
	}
	if f.RateWindowSec > 0 {
		cfg.RateWindow = time.Duration(f.RateWindowSec) * time.Second
	}
	if f.PolicyFile != "" {
		cfg.PolicyFile = f.PolicyFile
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
