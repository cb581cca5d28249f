// Package config centralizes the environment-driven configuration
// surface from spec §6, using the teacher's getEnvDefault pattern
// (ground: services/orchestrator/task_executor.go) rather than a file
// parser.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the configuration set that Load reads from the environment.
// A few further variables are read directly where they are used:
// HAOS_QUALITY_POLICY_MODULE, HAOS_OPENAI_API_KEY, HAOS_OPENAI_MODEL,
// HAOS_RELAY_NATS_URL and HAOS_RELAY_NODE_ID in cmd/haos, and
// HAOS_JSON_LOG, HAOS_LOG_LEVEL and the OTEL_EXPORTER_OTLP_* endpoints in
// internal/haos/telemetry.
type Config struct {
	HeartbeatTimeout      time.Duration
	MessageTTL            time.Duration
	StepDeadlineDefault   time.Duration
	MaxAttemptsDefault    int
	PerWorkflowMaxWorkers int
	GlobalMaxInflight     int

	CircuitBreakerWindow    time.Duration
	CircuitBreakerThreshold float64
	CircuitBreakerCooldown  time.Duration

	DecomposerMaxDepth int
	DecomposerMaxWidth int

	ResultCacheSize int
	ResultCacheTTL  time.Duration

	StoreDBPath string
	HTTPAddr    string

	JWTSigningKey string
}

// Load builds a Config from the environment, falling back to the
// defaults below when a variable is unset.
func Load() Config {
	return Config{
		HeartbeatTimeout:        getEnvDuration("HAOS_HEARTBEAT_TIMEOUT", 15*time.Second),
		MessageTTL:              getEnvDuration("HAOS_MESSAGE_TTL", 60*time.Second),
		StepDeadlineDefault:     getEnvDuration("HAOS_STEP_DEADLINE_DEFAULT", 30*time.Second),
		MaxAttemptsDefault:      getEnvInt("HAOS_MAX_ATTEMPTS_DEFAULT", 3),
		PerWorkflowMaxWorkers:   getEnvInt("HAOS_PER_WORKFLOW_MAX_WORKERS", 16),
		GlobalMaxInflight:       getEnvInt("HAOS_GLOBAL_MAX_INFLIGHT", 256),
		CircuitBreakerWindow:    getEnvDuration("HAOS_CIRCUIT_BREAKER_WINDOW", 60*time.Second),
		CircuitBreakerThreshold: getEnvFloat("HAOS_CIRCUIT_BREAKER_THRESHOLD", 0.5),
		CircuitBreakerCooldown:  getEnvDuration("HAOS_CIRCUIT_BREAKER_COOLDOWN", 30*time.Second),
		DecomposerMaxDepth:      getEnvInt("HAOS_DECOMPOSER_MAX_DEPTH", 12),
		DecomposerMaxWidth:      getEnvInt("HAOS_DECOMPOSER_MAX_WIDTH", 64),
		ResultCacheSize:         getEnvInt("HAOS_RESULT_CACHE_SIZE", 1000),
		ResultCacheTTL:          getEnvDuration("HAOS_RESULT_CACHE_TTL", 5*time.Minute),
		StoreDBPath:             getEnvDefault("HAOS_STORE_DB_PATH", "./haos.db"),
		HTTPAddr:                getEnvDefault("HAOS_HTTP_ADDR", ":8080"),
		JWTSigningKey:           getEnvDefault("HAOS_JWT_SIGNING_KEY", ""),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnvDefault(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvInt(key string, def int) int {
	v := getEnvDefault(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnvDefault(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
