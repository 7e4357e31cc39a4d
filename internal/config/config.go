package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	CronSecret             string
	ReservationTTLMinutes  int
	SweepIntervalSeconds   int
	AvailabilityTTLSeconds int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	reservationTTL, err := strconv.Atoi(getEnv("RESERVATION_TTL_MINUTES", "15"))
	if err != nil || reservationTTL < 1 {
		reservationTTL = 15
	}
	sweepInterval, err := strconv.Atoi(getEnv("RESERVATION_SWEEP_SECONDS", "60"))
	if err != nil || sweepInterval < 1 {
		sweepInterval = 60
	}
	availabilityTTL, err := strconv.Atoi(getEnv("AVAILABILITY_TTL_SECONDS", "30"))
	if err != nil || availabilityTTL < 1 {
		availabilityTTL = 30
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		CronSecret:             strings.TrimSpace(os.Getenv("CRON_SECRET")),
		ReservationTTLMinutes:  reservationTTL,
		SweepIntervalSeconds:   sweepInterval,
		AvailabilityTTLSeconds: availabilityTTL,
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
