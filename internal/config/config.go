package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ChangefeedCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	MetricsEnabled  bool
	Backend         string
	RedisAddr       string
	LocationKey     string
	PlanCacheSize   int
	StoreOpTimeout  time.Duration
	ShutdownTimeout time.Duration
	Changefeed      ChangefeedCfg
}

func FromEnv() Config {
	return Config{
		Addr:            getenv("ADDR", ":8080"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		MetricsEnabled:  getbool("METRICS_ENABLED", true),
		Backend:         getenv("STORE_BACKEND", "memory"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		LocationKey:     getenv("LOCATION_KEY", "coordinates"),
		PlanCacheSize:   getint("PLAN_CACHE_SIZE", 512),
		StoreOpTimeout:  getduration("STORE_OP_TIMEOUT", 5*time.Second),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Changefeed: ChangefeedCfg{
			Enabled: getbool("CHANGEFEED_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "document-changes"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "geoquery-changefeed"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
