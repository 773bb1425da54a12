// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"credit-insights/internal/policy"
)

// Config holds the configuration for the question-answering service.
type Config struct {
	DatabaseURL   string // PostgreSQL connection string (required to serve)
	ListenAddr    string // HTTP listen address (default ":8080")
	HistoryDBPath string // path to the SQLite audit trail (default "credit_history.sqlite")
	DictionaryPath string // optional business dictionary YAML override
	LogLevel      string // log level: debug, info, warn, error (default "info")
	Env           string // environment: "development" (default) or "production"

	// Generator
	AnthropicModel     string // model name for SQL generation
	GeneratorMaxTokens int    // response token cap per generation call (default 1024)

	// Guardrails
	MaxAttempts      int           // correction loop budget (default 3)
	RowCapDefault    int           // LIMIT injected when absent (default 100)
	RowCapMax        int           // LIMIT clamp ceiling (default 10000)
	MinGroupSize     int           // minimum group size for aggregated results (default 20)
	QueryTimeout     time.Duration // per-statement execution budget (default 10s)
	GeneratorTimeout time.Duration // per-call generator budget (default 30s)
	AllowedTables    []string      // queryable tables (default ["credit_train"])

	// Database pool
	PoolMaxConns   int           // pgx pool ceiling (default 4)
	PoolMinConns   int           // connections kept warm (default 1)
	AcquireTimeout time.Duration // connection acquire budget (default 3s)

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 5)
	RateLimitBurst int     // burst capacity (default 10)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Guardrails builds the policy the validator and controller enforce.
func (c *Config) Guardrails() policy.Guardrails {
	return policy.Guardrails{
		MaxAttempts:      c.MaxAttempts,
		RowCapDefault:    c.RowCapDefault,
		RowCapMax:        c.RowCapMax,
		MinGroupSize:     c.MinGroupSize,
		QueryTimeout:     c.QueryTimeout,
		GeneratorTimeout: c.GeneratorTimeout,
		AllowedTables:    c.AllowedTables,
	}
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults for everything unset. Only internally inconsistent settings are
// fatal; weak-but-workable settings produce Warnings.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		HistoryDBPath:  os.Getenv("HISTORY_DB_PATH"),
		DictionaryPath: os.Getenv("DICTIONARY_PATH"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Env:            os.Getenv("ENV"),
		AnthropicModel: os.Getenv("ANTHROPIC_MODEL"),

		MaxAttempts:        parseIntEnv("MAX_ATTEMPTS", 0),
		RowCapDefault:      parseIntEnv("ROW_CAP_DEFAULT", 0),
		RowCapMax:          parseIntEnv("ROW_CAP_MAX", 0),
		MinGroupSize:       parseIntEnv("K_ANONYMITY_MIN_GROUP", 0),
		GeneratorMaxTokens: parseIntEnv("GENERATOR_MAX_TOKENS", 0),
		PoolMaxConns:       parseIntEnv("DB_POOL_MAX_CONNS", 0),
		PoolMinConns:       parseIntEnv("DB_POOL_MIN_CONNS", 0),
	}

	cfg.QueryTimeout = parseDurationEnv("QUERY_TIMEOUT", 0)
	cfg.GeneratorTimeout = parseDurationEnv("GENERATOR_TIMEOUT", 0)
	cfg.AcquireTimeout = parseDurationEnv("DB_POOL_ACQUIRE_TIMEOUT", 0)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	cfg.RateLimitBurst = parseIntEnv("RATE_LIMIT_BURST", 0)

	if v := os.Getenv("ALLOWED_TABLES"); v != "" {
		cfg.AllowedTables = splitTrimmed(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitTrimmed(v)
	}

	// Defaults
	rails := policy.Default()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = "credit_history.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AnthropicModel == "" {
		cfg.AnthropicModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = rails.MaxAttempts
	}
	if cfg.RowCapDefault == 0 {
		cfg.RowCapDefault = rails.RowCapDefault
	}
	if cfg.RowCapMax == 0 {
		cfg.RowCapMax = rails.RowCapMax
	}
	if cfg.MinGroupSize == 0 {
		cfg.MinGroupSize = rails.MinGroupSize
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = rails.QueryTimeout
	}
	if cfg.GeneratorTimeout == 0 {
		cfg.GeneratorTimeout = rails.GeneratorTimeout
	}
	if len(cfg.AllowedTables) == 0 {
		cfg.AllowedTables = rails.AllowedTables
	}
	if cfg.GeneratorMaxTokens == 0 {
		cfg.GeneratorMaxTokens = 1024
	}
	if cfg.PoolMaxConns == 0 {
		cfg.PoolMaxConns = 4
	}
	if cfg.PoolMinConns == 0 {
		cfg.PoolMinConns = 1
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 3 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.Guardrails().Validate(); err != nil {
		return nil, fmt.Errorf("guardrail configuration: %w", err)
	}
	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return nil, fmt.Errorf("DB_POOL_MIN_CONNS (%d) exceeds DB_POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	if cfg.DatabaseURL == "" {
		cfg.Warnings = append(cfg.Warnings, "DATABASE_URL not set — the server cannot execute queries until it is configured")
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		cfg.Warnings = append(cfg.Warnings, "ANTHROPIC_API_KEY not set — question generation will fail")
	}
	if cfg.MinGroupSize < policy.Default().MinGroupSize {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("K_ANONYMITY_MIN_GROUP=%d is below the recommended %d", cfg.MinGroupSize, policy.Default().MinGroupSize))
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitTrimmed(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
