// Package config loads server configuration from environment variables and
// an optional accreditation profile file.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port           string
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	RedisAddr      string // empty disables the shared rate limiter
	RedisPassword  string
	JWTSecret      string
	KeystorePath   string
	ProfilePath    string
	SigningRPM     int
	SigningBurst   int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenv("DATABASE_URL", "file:evidence.db?_pragma=busy_timeout(5000)"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		KeystorePath:   getenv("KEYSTORE_PATH", "data/keystore.json"),
		ProfilePath:    os.Getenv("ACCREDITATION_PROFILE"),
		SigningRPM:     10,
		SigningBurst:   5,
	}
	if cfg.DatabaseDriver == "postgres" && os.Getenv("DATABASE_URL") == "" {
		cfg.DatabaseURL = "postgres://evidence@localhost:5432/evidence?sslmode=disable"
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
