// Package config loads the collaborative editing core's configuration from
// the environment (optionally preceded by a local .env file), following
// spec.md §6's list of recognized options.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every option spec.md §6 names.
type Config struct {
	Port int

	AllowedOrigins []string

	AuthProviderURL string
	AuthJWTSecret   string
	AuthIssuer      string
	AuthAudience    string

	StoreURI string

	MaxLag             int
	OpRingSize         int
	RateLimitOpsPerSec int
	RateLimitBurst     int
	CursorCoalesce     time.Duration
	PresenceInterval   time.Duration

	RoomIdleTTL     time.Duration
	SessionIdleTTL  time.Duration
	PresenceTTL     time.Duration
	JoinDeadline    time.Duration
	StoreDeadline   time.Duration
	SweepInterval   time.Duration

	MaxMessageSize int
	MaxBundleSize  int
}

// Load reads configuration from the environment, loading a local .env file
// first (if present) the way the teacher's cmd/server/main.go reads env
// vars directly, generalized with godotenv so local development doesn't
// need every variable exported by hand.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:           getEnvInt("PORT", 3030),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		AuthProviderURL: os.Getenv("AUTH_PROVIDER_URL"),
		AuthJWTSecret:   os.Getenv("AUTH_JWT_SECRET"),
		AuthIssuer:      os.Getenv("AUTH_ISSUER"),
		AuthAudience:    os.Getenv("AUTH_AUDIENCE"),

		StoreURI: getEnv("STORE_URI", "collabedit.db"),

		MaxLag:             getEnvInt("MAX_LAG", 100),
		OpRingSize:         getEnvInt("OP_RING_SIZE", 256),
		RateLimitOpsPerSec: getEnvInt("RATE_LIMIT_OPS_PER_SEC", 50),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 200),
		CursorCoalesce:     time.Duration(getEnvInt("CURSOR_COALESCE_MS", 100)) * time.Millisecond,
		PresenceInterval:   time.Duration(getEnvInt("PRESENCE_INTERVAL_MS", 1000)) * time.Millisecond,

		RoomIdleTTL:    time.Duration(getEnvInt("ROOM_IDLE_TTL_SECONDS", 60)) * time.Second,
		SessionIdleTTL: time.Duration(getEnvInt("SESSION_IDLE_TTL_SECONDS", 60)) * time.Second,
		PresenceTTL:    time.Duration(getEnvInt("PRESENCE_TTL_SECONDS", 300)) * time.Second,
		JoinDeadline:   time.Duration(getEnvInt("JOIN_DEADLINE_SECONDS", 5)) * time.Second,
		StoreDeadline:  time.Duration(getEnvInt("STORE_DEADLINE_SECONDS", 10)) * time.Second,
		SweepInterval:  time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 5)) * time.Minute,

		MaxMessageSize: getEnvInt("MAX_MESSAGE_SIZE_BYTES", 1<<20),
		MaxBundleSize:  getEnvInt("MAX_BUNDLE_SIZE_BYTES", 64<<10),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
