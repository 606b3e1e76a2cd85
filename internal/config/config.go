package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env                   string
	HTTPPort              string
	StoreBackend          string
	FirestoreProjectID    string
	GoogleCredentialsFile string
	FirebaseAuth          bool
	RedisAddr             string
	QueueBackend          string
	AuditQueueKey         string
	JWTIssuer             string
	JWTSigningKey         string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	RateLimitPerMin       int
}

// Load returns application config populated from environment variables with
// sensible defaults. A .env file in the working directory is honored.
func Load() App {
	_ = godotenv.Load()
	return App{
		Env:                   getEnv("APP_ENV", "dev"),
		HTTPPort:              getEnv("HTTP_PORT", "8082"),
		StoreBackend:          getEnv("STORE_BACKEND", "firestore"),
		FirestoreProjectID:    getEnv("FIRESTORE_PROJECT_ID", ""),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		FirebaseAuth:          boolEnv("FIREBASE_AUTH", false),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend:          getEnv("QUEUE_BACKEND", "redis"),
		AuditQueueKey:         getEnv("AUDIT_QUEUE_KEY", "portal:audit"),
		JWTIssuer:             getEnv("JWT_ISSUER", "student-portal"),
		JWTSigningKey:         getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:             durationEnv("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:            durationEnv("REFRESH_TTL", 24*time.Hour),
		RateLimitPerMin:       intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
