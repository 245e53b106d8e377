package main

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config is read once from the environment at startup.
type Config struct {
	ListenAddr     string
	HubID          string
	ProductionMode bool

	RedisAddr     string
	RedisURL      string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	EventStream   string
	ConsumerGroup string
	ConsumerName  string
	EventCacheTTL time.Duration

	WorkflowsFile string

	CommandTimeout    time.Duration
	ProductStaleAfter time.Duration
	LivenessInterval  time.Duration

	HeartbeatRate  float64
	HeartbeatBurst int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	LogEvents bool
}

func LoadConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "hub"
	}

	cfg := Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		HubID:          getEnv("HUB_ID", "neural-hub"),
		ProductionMode: getEnvBool("PRODUCTION_MODE", false),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		EventStream:   getEnv("EVENT_STREAM", "neuralhub:events"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "neuralhub"),
		ConsumerName:  getEnv("CONSUMER_NAME", hostname),
		EventCacheTTL: getEnvDuration("EVENT_CACHE_TTL", time.Hour),

		WorkflowsFile: os.Getenv("WORKFLOWS_FILE"),

		CommandTimeout:    getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),
		ProductStaleAfter: getEnvDuration("PRODUCT_STALE_AFTER", 90*time.Second),
		LivenessInterval:  getEnvDuration("LIVENESS_INTERVAL", 15*time.Second),

		HeartbeatRate:  getEnvFloat("HEARTBEAT_RATE", 1),
		HeartbeatBurst: getEnvInt("HEARTBEAT_BURST", 5),

		BreakerThreshold: getEnvInt("PUBLISH_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvDuration("PUBLISH_BREAKER_COOLDOWN", 10*time.Second),

		LogEvents: getEnvBool("LOG_EVENTS", false),
	}
	return cfg
}

// UsesRedis reports whether a shared Redis was configured.
func (c Config) UsesRedis() bool {
	return c.RedisAddr != "" || c.RedisURL != ""
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
		log.Printf("[CONFIG] Invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[CONFIG] Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[CONFIG] Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[CONFIG] Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
