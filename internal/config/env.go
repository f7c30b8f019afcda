package config

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var envOnce sync.Once

// LoadEnvOnce loads the .env file only once during the application lifecycle
// so multiple packages can call it safely.
func LoadEnvOnce() {
	envOnce.Do(loadEnvironment)
}

// loadEnvironment tries the usual .env locations and falls back to plain
// environment variables.
func loadEnvironment() {
	envPaths := []string{
		".env",
		"../.env",
		filepath.Join(os.Getenv("APP_ROOT"), ".env"),
	}

	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("Environment loaded from: %s", path)
				return
			}
		}
	}

	if isDevelopment() {
		log.Println("Warning: .env file not found - using environment variables or defaults")
	}
}

func isDevelopment() bool {
	env := os.Getenv("ENVIRONMENT")
	return env == "" || env == "development" || env == "dev"
}

// GetEnvWithFallback gets an environment variable with a fallback value.
func GetEnvWithFallback(key, fallback string) string {
	LoadEnvOnce()

	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
