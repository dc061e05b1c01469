package shared

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	MetricsAddr string
	MySQLDSN    string
	RedisAddr   string
	RedisDB     int
	RedisPass   string

	NLPBase     string
	NLPKey      string
	NLPProvider string // http|openai (generation only)
	OpenAIKey   string
	OpenAIModel string

	GatewayBase string
	GatewayKey  string

	PlatformBase string
	PlatformKey  string

	Workers         int
	ReviewCount     int
	CacheTTL        time.Duration
	MaxPostAttempts int
	RetrySweepSpec  string // cron spec for the POST_FAILED sweeper; empty disables
	BusinessIDs     []int64
}

func Load() Config {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}
	c := Config{
		AppEnv:          env("APP_ENV", "prod"),
		HTTPAddr:        env("HTTP_ADDR", ":8080"),
		MetricsAddr:     env("METRICS_ADDR", ":9100"),
		MySQLDSN:        env("MYSQL_DSN", "root:root@tcp(localhost:3306)/revuiq?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:       env("REDIS_ADDR", "localhost:6379"),
		RedisPass:       env("REDIS_PASSWORD", ""),
		RedisDB:         atoi("REDIS_DB", 0),
		NLPBase:         env("NLP_BASE_URL", "http://localhost:8000"),
		NLPKey:          env("NLP_API_KEY", ""),
		NLPProvider:     env("NLP_PROVIDER", "http"),
		OpenAIKey:       env("OPENAI_API_KEY", ""),
		OpenAIModel:     env("OPENAI_MODEL", ""),
		GatewayBase:     env("GATEWAY_BASE_URL", "http://localhost:8100"),
		GatewayKey:      env("GATEWAY_API_KEY", ""),
		PlatformBase:    env("PLATFORM_BASE_URL", "https://reviews-api.example.com/v1"),
		PlatformKey:     env("PLATFORM_API_KEY", ""),
		Workers:         atoi("INGEST_WORKERS", 8),
		ReviewCount:     atoi("INGEST_REVIEW_COUNT", 100),
		CacheTTL:        time.Duration(atoi("CACHE_TTL_SECONDS", 900)) * time.Second,
		MaxPostAttempts: atoi("MAX_POST_ATTEMPTS", 3),
		RetrySweepSpec:  env("RETRY_SWEEP_SPEC", "@every 5m"),
		BusinessIDs:     int64List(os.Getenv("INGEST_BUSINESS_IDS")),
	}
	if c.NLPProvider == "openai" && c.OpenAIKey == "" {
		log.Warn().Msg("NLP_PROVIDER=openai but OPENAI_API_KEY is empty")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// int64List parses a comma-separated id list, skipping garbage entries.
func int64List(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}
