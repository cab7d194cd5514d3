// Package config loads the proxy's YAML configuration, applying environment
// variable overrides and .env-sourced secrets before validating it once at
// startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Egham-7/adaptive-proxy/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CacheConfig configures the bounded memory cache (C3).
type CacheConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxItems       int  `yaml:"max_items"`
	BatchWriteSize int  `yaml:"batch_write_size"`
}

// IdleFlushConfig configures the idle flusher (C4).
type IdleFlushConfig struct {
	Enabled              bool `yaml:"enabled"`
	IdleTimeoutSeconds   int  `yaml:"idle_timeout_seconds"`
	CheckIntervalSeconds int  `yaml:"check_interval_seconds"`
}

// CacheMaintenanceConfig configures the maintenance loop (C8).
type CacheMaintenanceConfig struct {
	Enabled          bool  `yaml:"enabled"`
	IntervalHours    int   `yaml:"interval_hours"`
	RetentionDays    int   `yaml:"retention_days"`
	CleanupOnStartup bool  `yaml:"cleanup_on_startup"`
	MinHitCount      int64 `yaml:"min_hit_count"`
	// TopK bounds the hot-fingerprint list in the stats snapshot; see
	// SPEC_FULL.md's cache statistics detail.
	TopK int `yaml:"top_k"`
}

// ContextTrimConfig configures the chat-context trimmer (C6).
type ContextTrimConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxContextTokens int  `yaml:"max_context_tokens"`
}

// ServerConfig is the ambient HTTP-surface configuration; not named as a
// component in the core spec but required to actually bind a port.
type ServerConfig struct {
	Port           string `yaml:"port"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

// Config is the complete, validated proxy configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	DatabaseURL           string `yaml:"database_url"`
	UseCurl               bool   `yaml:"use_curl"`
	UseProxy              bool   `yaml:"use_proxy"`
	EnableThinking        bool   `yaml:"enable_thinking"`
	CacheHitPoolSize      int    `yaml:"cache_hit_pool_size"`
	CacheMissPoolSize     int    `yaml:"cache_miss_pool_size"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	CacheVersion          int    `yaml:"cache_version"`
	CacheOverrideMode     bool   `yaml:"cache_override_mode"`

	Cache            CacheConfig            `yaml:"cache"`
	IdleFlush        IdleFlushConfig        `yaml:"idle_flush"`
	CacheMaintenance CacheMaintenanceConfig `yaml:"cache_maintenance"`
	ContextTrim      ContextTrimConfig      `yaml:"context_trim"`
	APIHeaders       map[string]string      `yaml:"api_headers"`
	APIEndpoints     []domain.Endpoint      `yaml:"api_endpoints"`
}

// IsProduction reports whether the server is running in a production
// environment, matching the host's convention of gating dev-only
// middleware (profiler, verbose logging) on this flag.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// GetNormalizedLogLevel returns the configured log level, defaulting to info.
func (c *Config) GetNormalizedLogLevel() string {
	if c.Server.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(c.Server.LogLevel)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns
// with environment variable values before the YAML is parsed.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadEnvFiles loads .env files in order of precedence; the first file that
// exists and parses successfully wins for any variable it sets.
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			fmt.Printf("Loaded environment variables from %s\n", envFile)
		}
	}
}

// LoadFromFile reads, env-substitutes, and parses the YAML config file, then
// applies the recognized environment-variable overrides from §6.
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
			LogLevel:    "info",
		},
		CacheHitPoolSize:      16,
		CacheMissPoolSize:     16,
		MaxConcurrentRequests: 64,
		Cache: CacheConfig{
			Enabled:        true,
			MaxItems:       10_000,
			BatchWriteSize: 50,
		},
		IdleFlush: IdleFlushConfig{
			Enabled:              true,
			IdleTimeoutSeconds:   30,
			CheckIntervalSeconds: 5,
		},
		CacheMaintenance: CacheMaintenanceConfig{
			Enabled:       true,
			IntervalHours: 24,
			RetentionDays: 30,
			MinHitCount:   1,
			TopK:          10,
		},
		ContextTrim: ContextTrimConfig{
			Enabled:          false,
			MaxContextTokens: 8000,
		},
	}
}

// applyEnvOverrides applies the environment variables enumerated in §6 over
// whatever the YAML file set, in keeping with "environment variables
// override when set".
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("USE_CURL"); v != "" {
		cfg.UseCurl = mustBool(v, cfg.UseCurl)
	}
	if v := os.Getenv("USE_PROXY"); v != "" {
		cfg.UseProxy = mustBool(v, cfg.UseProxy)
	}
	if v := os.Getenv("CACHE_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheVersion = n
		}
	}
	if v := os.Getenv("CACHE_OVERRIDE_MODE"); v != "" {
		cfg.CacheOverrideMode = mustBool(v, cfg.CacheOverrideMode)
	}
	if v := os.Getenv("CACHE_MISS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheMissPoolSize = n
		}
	}
	if v := os.Getenv("CACHE_HIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheHitPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("ENABLE_THINKING"); v != "" {
		cfg.EnableThinking = mustBool(v, cfg.EnableThinking)
	}
}

func mustBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks the invariants required before the server may bind a
// port; a failure here is Fatal per the error-handling design.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.CacheHitPoolSize <= 0 {
		return fmt.Errorf("cache_hit_pool_size must be positive")
	}
	if c.CacheMissPoolSize <= 0 {
		return fmt.Errorf("cache_miss_pool_size must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if len(c.APIEndpoints) == 0 {
		return fmt.Errorf("at least one api_endpoint is required")
	}
	if c.ContextTrim.Enabled && c.ContextTrim.MaxContextTokens <= 0 {
		return fmt.Errorf("context_trim.max_context_tokens must be positive when enabled")
	}
	return nil
}
