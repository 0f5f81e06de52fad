package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultMetricsAddr         = ":9090"
	defaultPublicBaseURL       = "http://localhost:8080"
	defaultRefreshSchedule     = "@every 10m"
	defaultRefreshExpiryWindow = 30 * time.Minute
	defaultRefreshConcurrency  = 10
	defaultEventRelayInterval  = 5 * time.Second
	defaultCheckTimeout        = 30 * time.Second
	defaultWebhookMaxBodyBytes = 1 << 20

	// CallbackPath is where OAuth providers redirect back to.
	CallbackPath = "/connect/callback"
)

type Config struct {
	DatabaseURL   string
	HTTPAddr      string
	MetricsAddr   string
	PublicBaseURL string

	RefreshSchedule     string
	RefreshExpiryWindow time.Duration
	RefreshConcurrency  int
	EventRelayInterval  time.Duration
	CheckTimeout        time.Duration
	WebhookMaxBodyBytes int64
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:            getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:         getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		PublicBaseURL:       strings.TrimRight(getenvDefault("PUBLIC_BASE_URL", defaultPublicBaseURL), "/"),
		RefreshSchedule:     getenvDefault("REFRESH_SCHEDULE", defaultRefreshSchedule),
		RefreshExpiryWindow: getenvDurationDefault("REFRESH_EXPIRY_WINDOW", defaultRefreshExpiryWindow),
		RefreshConcurrency:  getenvIntDefault("REFRESH_CONCURRENCY", defaultRefreshConcurrency),
		EventRelayInterval:  getenvDurationDefault("EVENT_RELAY_INTERVAL", defaultEventRelayInterval),
		CheckTimeout:        getenvDurationDefault("CHECK_TIMEOUT", defaultCheckTimeout),
		WebhookMaxBodyBytes: int64(getenvIntDefault("WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBodyBytes)),
	}

	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", cfg.PublicBaseURL)
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// CallbackURL is the redirect URL handed to OAuth providers.
func (c Config) CallbackURL() string {
	return c.PublicBaseURL + CallbackPath
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
