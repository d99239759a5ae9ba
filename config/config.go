package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Sync           SyncConfig
	WebRTC         WebRTCConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SyncConfig carries the timing knobs of the playback and negotiation protocols.
type SyncConfig struct {
	RoomTTL           time.Duration
	HeartbeatInterval time.Duration
	DriftThreshold    float64
	DriftCheck        time.Duration
	SignalGrace       time.Duration
	SignalRetention   int64
	ConnectTimeout    time.Duration
	TxMaxRetries      int
}

type WebRTCConfig struct {
	STUNURLs []string
	// Loopback gathers 127.0.0.1 candidates, for agents on the same host.
	Loopback bool
}

func Load() *Config {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Sync: SyncConfig{
			RoomTTL:           getDuration("ROOM_TTL", 24*time.Hour),
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 4*time.Second),
			DriftThreshold:    getFloat("DRIFT_THRESHOLD", 2.5),
			DriftCheck:        getDuration("DRIFT_CHECK_INTERVAL", 0),
			SignalGrace:       getDuration("SIGNAL_GRACE", 2*time.Second),
			SignalRetention:   int64(getInt("SIGNAL_RETENTION", 1000)),
			ConnectTimeout:    getDuration("CONNECT_TIMEOUT", 15*time.Second),
			TxMaxRetries:      getInt("TX_MAX_RETRIES", 5),
		},
		WebRTC: WebRTCConfig{
			STUNURLs: strings.Split(getEnv("STUN_URLS", "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"), ","),
			Loopback: getBool("WEBRTC_LOOPBACK", false),
		},
	}
}

// Validate rejects settings that are unsafe or nonsensical.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("config: PORT is required")
	}
	if c.Environment == "production" && c.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be changed in production")
	}
	if c.Sync.HeartbeatInterval <= 0 {
		return errors.New("config: HEARTBEAT_INTERVAL must be positive")
	}
	if c.Sync.DriftThreshold <= 0 {
		return errors.New("config: DRIFT_THRESHOLD must be positive")
	}
	if c.Sync.TxMaxRetries < 1 {
		return errors.New("config: TX_MAX_RETRIES must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
