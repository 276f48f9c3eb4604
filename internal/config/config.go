package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr     string
	DatabaseURL    string
	NATSURL        string // empty disables telemetry fan-out
	RetentionDays  int
	RequestTimeout time.Duration
}

// MustLoad loads the required settings for the system to operate
func MustLoad() Config {
	addr := getenv("LISTEN_ADDR", ":3001")
	dsn := getenv("DATABASE_URL", "postgres://localhost:5432/windash?sslmode=disable")
	natsURL := getenv("NATS_URL", "")

	days, _ := strconv.Atoi(getenv("RETENTION_DAYS", "7"))
	if days <= 0 {
		days = 7
	}
	sec, _ := strconv.Atoi(getenv("REQUEST_TIMEOUT_SEC", "15"))
	if sec <= 0 {
		sec = 15
	}

	return Config{
		ListenAddr:     addr,
		DatabaseURL:    dsn,
		NATSURL:        natsURL,
		RetentionDays:  days,
		RequestTimeout: time.Duration(sec) * time.Second,
	}
}

// getenv fetches the env variables for the application to run
func getenv(k, d string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return d
}
