package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/example/flower-id/internal/wiki"
)

// Config holds every runtime setting. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	HTTPAddr        string
	GinMode         string
	Debug           bool
	ClassifierAddr  string
	WikiEndpoint    string
	WikiUserAgent   string
	ClassifyTimeout time.Duration
	LookupTimeout   time.Duration
	SessionIdleTTL  time.Duration
	ShutdownTimeout time.Duration
	JWTSecret       string
	JWTAudience     string
	CORSOrigins     []string
}

// Load reads the optional env files (".env" when none are given) and then
// the environment. Variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		GinMode:        getEnv("GIN_MODE", "release"),
		ClassifierAddr: getEnv("CLASSIFIER_ADDR", "classifier:50051"),
		WikiEndpoint:   getEnv("WIKI_ENDPOINT", wiki.DefaultEndpoint),
		WikiUserAgent:  getEnv("WIKI_USER_AGENT", wiki.DefaultUserAgent),
		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAudience:    strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
	}

	switch cfg.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return nil, fmt.Errorf("GIN_MODE: unknown mode %q", cfg.GinMode)
	}

	var err error
	if cfg.Debug, err = getEnvAsBool("DEBUG", false); err != nil {
		return nil, err
	}
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"CLASSIFY_TIMEOUT", 15 * time.Second, &cfg.ClassifyTimeout},
		{"LOOKUP_TIMEOUT", 10 * time.Second, &cfg.LookupTimeout},
		{"SESSION_IDLE_TTL", 30 * time.Minute, &cfg.SessionIdleTTL},
		{"SHUTDOWN_TIMEOUT", 15 * time.Second, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvAsDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// AuthEnabled reports whether session routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
