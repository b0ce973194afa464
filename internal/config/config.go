// Package config loads the healing agent's configuration from a .env-style
// file plus environment variables, with CLI flags taking precedence —
// the same flag-then-env-then-file precedence the teacher's cli.go
// implements via getStringValue/getIntValue, generalized here into a
// struct the CLI layer populates directly from cobra flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is the .env-style file loaded when no --config flag is
// given, named after this project rather than the teacher's
// .github-autofix.env.
const DefaultEnvFile = ".healer.env"

// Config holds every tunable the pipeline, store, and CLI need.
type Config struct {
	GitHubToken  string
	LLMProvider  string
	LLMAPIKey    string
	WebhookSecret string

	StorePath    string
	TargetBranch string

	MaxAttempts      int
	ReproTimeout     time.Duration
	WorkerPoolSize   int
	JanitorThreshold time.Duration

	LogLevel  string
	LogFormat string
}

// Defaults returns the configuration every field falls back to absent an
// override, mirroring the teacher's --min-coverage 85/--target-branch
// main style of baked-in defaults.
func Defaults() Config {
	return Config{
		LLMProvider:      "openai",
		StorePath:        "healer.db",
		TargetBranch:     "main",
		MaxAttempts:      3,
		ReproTimeout:     300 * time.Second,
		WorkerPoolSize:   4,
		JanitorThreshold: 24 * time.Hour,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadEnvFile loads path into the process environment via godotenv, the
// same call the teacher's loadConfiguration makes. A missing file is not
// an error — environment variables alone are a valid configuration
// source, matching the teacher's "could not load config file, using
// environment variables" debug-only fallback.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// FromEnvironment overlays the process environment onto cfg: the token,
// API key and webhook secret are filled only where still empty; the LLM
// provider and store path are replaced only while they hold their
// Defaults() value; MAX_ATTEMPTS and WORKER_POOL_SIZE, when they parse as
// integers, replace whatever value cfg holds. Other fields are not read
// from the environment.
func FromEnvironment(cfg Config) Config {
	if cfg.GitHubToken == "" {
		cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" && cfg.LLMProvider == Defaults().LLMProvider {
		cfg.LLMProvider = v
	}
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	}
	if v := os.Getenv("STORE_PATH"); v != "" && cfg.StorePath == Defaults().StorePath {
		cfg.StorePath = v
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	return cfg
}

// Validate checks the fields required to run the pipeline against a real
// code host and LLM provider, matching the teacher's initializeAgent
// precondition checks ("GitHub token is required", etc).
func (c Config) Validate() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("config: GitHub token is required")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("config: LLM API key is required")
	}
	return nil
}
