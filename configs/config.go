package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Coordination
	Backend        string
	Address        string
	SessionTimeout time.Duration

	// Election
	Namespace            string
	CandidatePrefix      string
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	ReconcileSchedule    string

	// Watcher
	WatchTarget string

	// Status API
	APIPort string

	// Logging
	LogLevel    string
	LogEncoding string
	LogOutput   string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TraceSamplingRate float64

	// Event history
	RedisAddr    string
	EventsStream string
	DatabaseURL  string
}

func LoadConfig() *Config {
	return &Config{
		Backend:        getEnv("COORD_BACKEND", "zookeeper"),
		Address:        getEnv("COORD_ADDRESS", "localhost:2181"),
		SessionTimeout: getEnvAsDuration("SESSION_TIMEOUT", 3*time.Second),

		Namespace:            getEnv("ELECTION_NAMESPACE", "/election"),
		CandidatePrefix:      getEnv("CANDIDATE_PREFIX", "c_"),
		MaxAttempts:          getEnvAsInt("ELECTION_MAX_ATTEMPTS", 10),
		RetryInitialInterval: getEnvAsDuration("ELECTION_RETRY_INITIAL", 10*time.Millisecond),
		RetryMaxInterval:     getEnvAsDuration("ELECTION_RETRY_MAX", time.Second),
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", ""),

		WatchTarget: getEnv("WATCH_TARGET", "/target_node"),

		APIPort: getEnv("API_PORT", "8080"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),
		LogOutput:   getEnv("LOG_OUTPUT", "stdout"),

		TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4318"),
		TraceSamplingRate: getEnvAsFloat("TRACE_SAMPLING_RATE", 1.0),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		EventsStream: getEnv("EVENTS_STREAM", "zkelect:events"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
