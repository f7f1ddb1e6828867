package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Robot endpoint
	RobotHost      string
	RobotPort      int
	RequestTimeout time.Duration

	// Session timing
	PollInterval time.Duration
	SaveDebounce time.Duration
	MessageTTL   time.Duration

	// Console server
	ListenAddr string

	// Telemetry (disabled when AMQPURL is empty)
	AMQPURL      string
	AMQPExchange string

	// Observability
	LogLevel    string
	MetricsPort int
	HealthPort  int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		RobotHost:      getEnvOrDefault("ROBOT_HOST", "localhost"),
		RobotPort:      parseInt(os.Getenv("ROBOT_PORT"), 8080),
		RequestTimeout: parseDuration(os.Getenv("REQUEST_TIMEOUT"), 5*time.Second),
		PollInterval:   parseDuration(os.Getenv("POLL_INTERVAL"), time.Second),
		SaveDebounce:   parseDuration(os.Getenv("SAVE_DEBOUNCE"), 800*time.Millisecond),
		MessageTTL:     parseDuration(os.Getenv("MESSAGE_TTL"), 2*time.Second),
		ListenAddr:     getEnvOrDefault("LISTEN_ADDR", ":7070"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnvOrDefault("AMQP_EXCHANGE", "robot.telemetry"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsPort:    parseInt(os.Getenv("METRICS_PORT"), 9090),
		HealthPort:     parseInt(os.Getenv("HEALTH_PORT"), 8081),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the invariants the session relies on
func (c *Config) Validate() error {
	if c.RobotPort <= 0 || c.RobotPort > 65535 {
		return fmt.Errorf("ROBOT_PORT must be between 1 and 65535, got: %d", c.RobotPort)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got: %s", c.PollInterval)
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("SAVE_DEBOUNCE must be positive, got: %s", c.SaveDebounce)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MESSAGE_TTL must be positive, got: %s", c.MessageTTL)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	var result int
	fmt.Sscanf(value, "%d", &result)
	if result == 0 {
		return defaultValue
	}
	return result
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
