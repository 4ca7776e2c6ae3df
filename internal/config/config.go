package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Env  string
	Port string

	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string

	CatalogBaseURL string

	MediaTokenSecret string
	MediaTokenTTL    time.Duration

	AllowedOrigins []string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found")
	}

	return &Config{
		Env:  getenv("ENV", "development"),
		Port: getenv("PORT", "8080"),

		MySQLHost:     getenv("MYSQL_HOST", "localhost"),
		MySQLPort:     getenv("MYSQL_PORT", "3306"),
		MySQLUser:     getenv("MYSQL_USER", "root"),
		MySQLPassword: os.Getenv("MYSQL_PASSWORD"),
		MySQLDatabase: getenv("MYSQL_DATABASE", "karaoke"),

		RedisAddr:     getenv("REDIS_HOST", "localhost") + ":" + getenv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		KafkaBrokers: strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ","),

		CatalogBaseURL: getenv("CATALOG_BASE_URL", "http://localhost:9000"),

		MediaTokenSecret: getenv("MEDIA_TOKEN_SECRET", "dev-secret"),
		MediaTokenTTL:    duration("MEDIA_TOKEN_TTL", 6*time.Hour),

		AllowedOrigins: strings.Split(getenv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return fallback
	}
	return d
}
