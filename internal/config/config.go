package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries every process-level setting, resolved once at startup.
type Config struct {
	HTTPAddr    string
	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	VerifierBaseURL      string
	VerifierClientID     string
	VerifierClientSecret string

	DetectorBaseURL   string
	CameraSnapshotURL string

	CameraWidth  int
	CameraHeight int
}

// Load reads an optional .env file and resolves the configuration from the
// environment. Missing credentials for the remote verifier are an error;
// everything else falls back to development defaults.
func Load() (*Config, error) {
	// .env is a development convenience, absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:          getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=livecapture port=5432 sslmode=disable"),
		RedisAddr:            getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:          os.Getenv("JWT_AUDIENCE"),
		VerifierBaseURL:      getEnv("VERIFIER_BASE_URL", "http://liveness-api:9000"),
		VerifierClientID:     os.Getenv("VERIFIER_CLIENT_ID"),
		VerifierClientSecret: os.Getenv("VERIFIER_CLIENT_SECRET"),
		DetectorBaseURL:      getEnv("DETECTOR_BASE_URL", "http://face-detector:8500"),
		CameraSnapshotURL:    getEnv("CAMERA_SNAPSHOT_URL", "http://127.0.0.1:8088/snapshot"),
		CameraWidth:          getEnvInt("CAMERA_WIDTH", 1280),
		CameraHeight:         getEnvInt("CAMERA_HEIGHT", 720),
	}

	if cfg.VerifierClientID == "" || cfg.VerifierClientSecret == "" {
		return nil, fmt.Errorf("config: VERIFIER_CLIENT_ID and VERIFIER_CLIENT_SECRET are required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
