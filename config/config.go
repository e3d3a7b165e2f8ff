package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables.
type Config struct {
	// Listener
	ListenAddr string

	// Upstream (Binance-compatible combined stream)
	UpstreamURL    string
	ConnectTimeout time.Duration

	// Optional Redis result fan-out; empty RedisAddr disables resultbus.
	RedisAddr     string
	RedisPassword string

	MetricsAddr string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		UpstreamURL:    getEnv("UPSTREAM_URL", "wss://fstream.binance.com/stream"),
		ConnectTimeout: getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		log.Printf("[config] skipping invalid duration for %s: %q", key, v)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
