package utils

import (
	"os"
	"strconv"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	// Database
	DatabasePath string

	// API server
	APIHost string
	APIPort int

	// Fleet
	WorkerCount        int
	AutoReplaceCrashed bool

	// Intervals
	DispatchInterval  time.Duration
	TelemetryInterval time.Duration
	HeartbeatTimeout  time.Duration
	MonitorInterval   time.Duration

	// Simulated evaluation pacing (per-response delay)
	EvalStepDelay time.Duration

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		DatabasePath: getEnv("DB_PATH", "orchestrator.db"),

		APIHost: getEnv("API_HOST", "0.0.0.0"),
		APIPort: getEnvAsInt("API_PORT", 8080),

		WorkerCount:        getEnvAsInt("WORKER_COUNT", 4),
		AutoReplaceCrashed: getEnvAsBool("AUTO_REPLACE_CRASHED", true),

		DispatchInterval:  getEnvAsDuration("DISPATCH_INTERVAL", 2*time.Second),
		TelemetryInterval: getEnvAsDuration("TELEMETRY_INTERVAL", 5*time.Second),
		HeartbeatTimeout:  getEnvAsDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
		MonitorInterval:   getEnvAsDuration("MONITOR_INTERVAL", 10*time.Second),

		EvalStepDelay: getEnvAsDuration("EVAL_STEP_DELAY", 500*time.Millisecond),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}
}

// APIAddress returns the host:port the API server binds to.
func (c *Config) APIAddress() string {
	return c.APIHost + ":" + strconv.Itoa(c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
