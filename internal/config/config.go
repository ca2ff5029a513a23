package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// TCP ingestion
	TCPPort     string
	IdleTimeout time.Duration

	// HTTP ingress
	HTTPPort string

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event bus; empty URL disables publishing.
	NATSURL string

	// Ingestion policy
	AutoRegisterDevices bool

	// Last-position cache
	CacheTTL time.Duration

	// Alert throttling
	AlertThrottle time.Duration

	// Background fan-out tuning
	FanoutChannelSize int
	FanoutWorkers     int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	// Logging
	LogLevel string
}

func Load() *Config {
	// .env is optional; system environment always wins.
	_ = godotenv.Load()

	return &Config{
		TCPPort:             getEnv("TCP_PORT", "5023"),
		IdleTimeout:         time.Duration(getEnvInt("IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
		HTTPPort:            getEnv("HTTP_PORT", "8082"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "geotrack"),
		DBPassword:          getEnv("DB_PASSWORD", "geotrack"),
		DBName:              getEnv("DB_NAME", "geotrack"),
		DBMaxConns:          int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		NATSURL:             getEnv("NATS_URL", ""),
		AutoRegisterDevices: getEnvBool("AUTO_REGISTER_DEVICES", true),
		CacheTTL:            time.Duration(getEnvInt("CACHE_TTL_SECONDS", 60)) * time.Second,
		AlertThrottle:       time.Duration(getEnvInt("ALERT_THROTTLE_SECONDS", 300)) * time.Second,
		FanoutChannelSize:   getEnvInt("FANOUT_CHANNEL_SIZE", 10000),
		FanoutWorkers:       getEnvInt("FANOUT_WORKERS", 3),
		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        strings.Split(getEnv("VALID_API_KEYS", ""), ","),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
