// Package config parses runtime configuration for the retrainer.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence. The Config struct covers:
//   - HTTP listen address and logging (level, format)
//   - Model store location and session/access log paths
//   - Prediction cache backend (memory or redis)
//   - Data-extraction endpoint (URL, record path, column mapping)
//   - Model-configuration document store and notification webhook
//   - Scheduler timing (sweep interval, job timeout)
//   - TLS configuration (cert, key, CA files)
//
// Supported configuration sources, in order of precedence:
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// The extraction column mapping comes from EXTRACT_COL_* environment
// variables (EXTRACT_COL_LABOR_HOURS=labor.hours maps column labor_hours to
// the gjson path labor.hours), and extra request headers from
// EXTRACT_HEADER_* (EXTRACT_HEADER_AUTHORIZATION=Bearer x).
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/motorbay/retrainer/pkg/tls"
)

// Config holds all retrainer configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	DataDir       string
	SessionLogDir string
	AccessLogPath string

	Cache         string
	CacheTTL      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ExtractURL         string
	ExtractMethod      string
	ExtractBody        string
	ExtractRecordsPath string
	ExtractTarget      string
	ExtractTimeout     time.Duration
	ExtractColumns     map[string]string
	ExtractHeaders     map[string]string

	ConfigStoreURL string
	WebhookURL     string

	ModelTypes    []string
	SweepInterval time.Duration
	JobTimeout    time.Duration
	LatencyBudget time.Duration

	TLS tls.Config
}

// ParseFlags parses command-line flags with environment variables as
// fallbacks. Missing required extraction settings are fatal.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8084"), "HTTP listen address")

	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "./data/models"), "Model store directory")
	flag.StringVar(&cfg.SessionLogDir, "session-log-dir", getEnv("SESSION_LOG_DIR", "./data/sessions"), "Retraining session log directory")
	flag.StringVar(&cfg.AccessLogPath, "access-log", getEnv("ACCESS_LOG", ""), "Prediction access log file (disabled when empty)")

	flag.StringVar(&cfg.Cache, "cache", getEnv("CACHE", "memory"), "Prediction cache backend: memory or redis")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", getEnvDuration("CACHE_TTL", 5*time.Minute), "Default cache TTL")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")

	flag.StringVar(&cfg.ExtractURL, "extract-url", getEnv("EXTRACT_URL", ""), "Data extraction endpoint template (required)")
	flag.StringVar(&cfg.ExtractMethod, "extract-method", getEnv("EXTRACT_METHOD", ""), "Data extraction HTTP method (default GET)")
	flag.StringVar(&cfg.ExtractBody, "extract-body", getEnv("EXTRACT_BODY", ""), "Data extraction request body template")
	flag.StringVar(&cfg.ExtractRecordsPath, "extract-records-path", getEnv("EXTRACT_RECORDS_PATH", ""), "JSON path to the record array in extraction responses (required)")
	flag.StringVar(&cfg.ExtractTarget, "extract-target", getEnv("EXTRACT_TARGET", "target"), "Column holding the training target")
	flag.DurationVar(&cfg.ExtractTimeout, "extract-timeout", getEnvDuration("EXTRACT_TIMEOUT", 30*time.Second), "Data extraction request timeout")

	flag.StringVar(&cfg.ConfigStoreURL, "config-store-url", getEnv("CONFIG_STORE_URL", ""), "Model configuration document endpoint (hardcoded defaults when empty)")
	flag.StringVar(&cfg.WebhookURL, "webhook-url", getEnv("WEBHOOK_URL", ""), "Notification webhook endpoint (log-only when empty)")

	modelTypes := flag.String("model-types", getEnv("MODEL_TYPES", ""), "Comma-separated model types to manage (default: all known types)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", getEnvDuration("SWEEP_INTERVAL", 6*time.Hour), "Interval between evaluation sweeps")
	flag.DurationVar(&cfg.JobTimeout, "job-timeout", getEnvDuration("JOB_TIMEOUT", 3600*time.Second), "Timeout for a single retraining job")
	flag.DurationVar(&cfg.LatencyBudget, "latency-budget", getEnvDuration("LATENCY_BUDGET", 5*time.Second), "Prediction latency budget; slower results are not cached")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for HTTP server")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	flag.Parse()

	if *modelTypes != "" {
		for _, t := range strings.Split(*modelTypes, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.ModelTypes = append(cfg.ModelTypes, t)
			}
		}
	}

	cfg.ExtractColumns = parsePrefixedEnv("EXTRACT_COL_", strings.ToLower)
	cfg.ExtractHeaders = parsePrefixedEnv("EXTRACT_HEADER_", headerName)

	if cfg.ExtractURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --extract-url is required")
		os.Exit(1)
	}
	if cfg.ExtractRecordsPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --extract-records-path is required")
		os.Exit(1)
	}
	if len(cfg.ExtractColumns) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one EXTRACT_COL_* variable is required")
		os.Exit(1)
	}
	if cfg.Cache != "memory" && cfg.Cache != "redis" {
		fmt.Fprintf(os.Stderr, "Error: invalid cache backend %q (must be memory or redis)\n", cfg.Cache)
		os.Exit(1)
	}
	if err := cfg.TLS.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

// parsePrefixedEnv collects environment variables with the given prefix into
// a map, transforming the remainder of the name with keyFn.
func parsePrefixedEnv(prefix string, keyFn func(string) string) map[string]string {
	out := make(map[string]string)
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := keyFn(name[len(prefix):])
		if key != "" {
			out[key] = value
		}
	}
	return out
}

// headerName turns EXTRACT_HEADER_X_API_KEY into X-Api-Key.
func headerName(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
