package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	CampaignCacheTTLSeconds  int
	LockTimeoutMillis        int
	ReconcileIntervalMinutes int
	ReconcileRepair          bool
	AuthSecret               string
	AccessTokenTTLMinutes    int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	campaignTTL, err := strconv.Atoi(getEnv("CAMPAIGN_CACHE_TTL_SECONDS", "60"))
	if err != nil || campaignTTL < 1 {
		campaignTTL = 60
	}
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_MS", "3000"))
	if err != nil || lockTimeout < 1 {
		lockTimeout = 3000
	}
	reconcileInterval, err := strconv.Atoi(getEnv("RECONCILE_INTERVAL_MINUTES", "0"))
	if err != nil || reconcileInterval < 0 {
		reconcileInterval = 0
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		CampaignCacheTTLSeconds:  campaignTTL,
		LockTimeoutMillis:        lockTimeout,
		ReconcileIntervalMinutes: reconcileInterval,
		ReconcileRepair:          getEnv("RECONCILE_REPAIR", "false") == "true",
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
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
