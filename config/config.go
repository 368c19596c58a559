// Package config loads process configuration for the cascade runtime from
// a .env file plus environment variables, following the teacher's
// getEnv/godotenv.Load pattern (cmd/tarsy/main.go) rather than a
// structured config-file loader: this package configures the runtime
// process itself (ports, DSNs, API keys, concurrency limits), while
// cascade files are the loader-agnostic concern already out of scope per
// spec.md §1/§6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the runtime process
// needs at startup.
type Config struct {
	// HTTPAddr is the address the webhook/signal-delivery server binds to.
	HTTPAddr string
	// GinMode controls gin's debug/release/test mode.
	GinMode string

	// PostgresDSN backs the durable Event Sink when set; an empty value
	// means the in-memory sink is used instead.
	PostgresDSN string
	// MongoURI backs the Context Card store when set.
	MongoURI string
	// RedisAddr is read from CASCADE_REDIS_ADDR; no component wired by
	// this module consumes it.
	RedisAddr string

	// AnthropicAPIKey, OpenAIAPIKey, and the Bedrock region/credentials are
	// read by the respective modelclient adapters.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	BedrockRegion   string

	// MaxParallelSoundings bounds the Scheduler's default pool size for
	// soundings/reforge fan-out (spec.md §4.9).
	MaxParallelSoundings int
	// SignalPollInterval is the default poll interval for signal.Manager.Await.
	SignalPollInterval time.Duration

	// OTLPEndpoint configures the clue-backed Tracer/Metrics exporter.
	OTLPEndpoint string
	// LogFormat is read from CASCADE_LOG_FORMAT; the telemetry wiring does
	// not consume it, so it does not change log formatting.
	LogFormat string
}

// Load reads a .env file at envPath (missing file is not an error, matching
// godotenv's use in cmd/tarsy/main.go) and then layers environment
// variables and defaults on top.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	maxParallel, err := getEnvInt("CASCADE_MAX_PARALLEL_SOUNDINGS", 4)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvDuration("CASCADE_SIGNAL_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPAddr:             getEnv("CASCADE_HTTP_ADDR", ":8080"),
		GinMode:              getEnv("GIN_MODE", "release"),
		PostgresDSN:          getEnv("CASCADE_POSTGRES_DSN", ""),
		MongoURI:             getEnv("CASCADE_MONGO_URI", ""),
		RedisAddr:            getEnv("CASCADE_REDIS_ADDR", ""),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		BedrockRegion:        getEnv("AWS_REGION", ""),
		MaxParallelSoundings: maxParallel,
		SignalPollInterval:   pollInterval,
		OTLPEndpoint:         getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogFormat:            getEnv("CASCADE_LOG_FORMAT", "text"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	return v, nil
}
