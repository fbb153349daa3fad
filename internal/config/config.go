package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBMaxOpenConns        int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	StrictStock           bool
	OrderPageSize         int
	ReportCacheTTLSeconds int
	LockTTLSeconds        int
	EventsDriver          string
	KafkaBrokers          []string
	KafkaTopic            string
	NATSURL               string
	NATSSubjectPrefix     string
	AdminUsername         string
	AdminPassword         string
}

func Load() Config {
	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        getEnvInt("DB_MAX_OPEN_CONNS", 30),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		StrictStock:           getEnvBool("STRICT_STOCK", false),
		OrderPageSize:         getEnvInt("ORDER_PAGE_SIZE", 100),
		ReportCacheTTLSeconds: getEnvInt("REPORT_CACHE_TTL_SECONDS", 30),
		LockTTLSeconds:        getEnvInt("LOCK_TTL_SECONDS", 10),
		EventsDriver:          strings.ToLower(getEnv("EVENTS_DRIVER", "none")),
		KafkaBrokers:          getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "brewline.events"),
		NATSURL:               getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubjectPrefix:     getEnv("NATS_SUBJECT_PREFIX", "brewline"),
		AdminUsername:         getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
		AdminPassword:         os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.OrderPageSize < 1 {
		cfg.OrderPageSize = 100
	}
	if cfg.ReportCacheTTLSeconds < 1 {
		cfg.ReportCacheTTLSeconds = 30
	}
	if cfg.LockTTLSeconds < 1 {
		cfg.LockTTLSeconds = 10
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvSlice(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
