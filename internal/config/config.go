package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the service reads from the environment.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Guard    GuardConfig
	Realtime RealtimeConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	postgres, err := loadPostgresConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	guard, err := loadGuardConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Postgres: postgres,
		Redis:    redis,
		Guard:    guard,
		Realtime: realtime,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// PostgresConfig describes the durable message store connection.
type PostgresConfig struct {
	URL string
}

func loadPostgresConfig() (PostgresConfig, error) {
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		return PostgresConfig{}, fmt.Errorf("DATABASE_URL must be set")
	}
	return PostgresConfig{URL: url}, nil
}

// RedisConfig describes the ephemeral state store connection.
type RedisConfig struct {
	URL string
}

func loadRedisConfig() (RedisConfig, error) {
	url := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	return RedisConfig{URL: url}, nil
}

// GuardConfig holds the outbound-message policy thresholds. Every value can
// be overridden so the policy stays configuration, not code.
type GuardConfig struct {
	MinLength  int
	MaxLength  int
	RateLimit  int
	RateWindow time.Duration
	SpamLimit  int
	SpamWindow time.Duration
}

func loadGuardConfig() (GuardConfig, error) {
	minLen, err := intEnv("GUARD_MIN_LENGTH", 10)
	if err != nil {
		return GuardConfig{}, err
	}
	maxLen, err := intEnv("GUARD_MAX_LENGTH", 2000)
	if err != nil {
		return GuardConfig{}, err
	}
	rateLimit, err := intEnv("GUARD_RATE_LIMIT", 20)
	if err != nil {
		return GuardConfig{}, err
	}
	rateWindow, err := durationEnv("GUARD_RATE_WINDOW", time.Hour)
	if err != nil {
		return GuardConfig{}, err
	}
	spamLimit, err := intEnv("GUARD_SPAM_LIMIT", 3)
	if err != nil {
		return GuardConfig{}, err
	}
	spamWindow, err := durationEnv("GUARD_SPAM_WINDOW", 5*time.Minute)
	if err != nil {
		return GuardConfig{}, err
	}

	if minLen < 1 || maxLen < minLen {
		return GuardConfig{}, fmt.Errorf("invalid guard length bounds: min=%d max=%d", minLen, maxLen)
	}

	return GuardConfig{
		MinLength:  minLen,
		MaxLength:  maxLen,
		RateLimit:  rateLimit,
		RateWindow: rateWindow,
		SpamLimit:  spamLimit,
		SpamWindow: spamWindow,
	}, nil
}

// RealtimeConfig holds timing for the ephemeral signals.
type RealtimeConfig struct {
	TypingTTL         time.Duration
	PresenceInterval  time.Duration
	PresenceWindow    time.Duration
	TypingBurstPerSec int
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	typingTTL, err := durationEnv("TYPING_TTL", 3*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	presenceInterval, err := durationEnv("PRESENCE_INTERVAL", 4*time.Minute)
	if err != nil {
		return RealtimeConfig{}, err
	}
	presenceWindow, err := durationEnv("PRESENCE_WINDOW", 5*time.Minute)
	if err != nil {
		return RealtimeConfig{}, err
	}
	typingBurst, err := intEnv("TYPING_BURST_PER_SEC", 10)
	if err != nil {
		return RealtimeConfig{}, err
	}

	if presenceInterval >= presenceWindow {
		return RealtimeConfig{}, fmt.Errorf("PRESENCE_INTERVAL must be shorter than PRESENCE_WINDOW")
	}

	return RealtimeConfig{
		TypingTTL:         typingTTL,
		PresenceInterval:  presenceInterval,
		PresenceWindow:    presenceWindow,
		TypingBurstPerSec: typingBurst,
	}, nil
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
