// Package config loads daemon settings from .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sweeney/bus-notifier/internal/logic"
	"github.com/sweeney/bus-notifier/internal/smartthings"
	"github.com/sweeney/bus-notifier/internal/transit"
)

// Config is the resolved daemon configuration.
type Config struct {
	Env      string
	HTTPAddr string

	TagoURL      string
	TagoKey      string
	SeoulURL     string
	SeoulKey     string
	RatePerMin   int
	SmartThings  string
	STToken      string
	KeyURL       string
	VerifySigs   bool
	StoreDSN     string
	EventsURL    string
	PollInterval time.Duration

	ThresholdTime       time.Duration
	PossibleArrivalTime time.Duration
	MinTime             time.Duration
	ProximityTime       time.Duration

	Location  *time.Location
	LogFormat string
	LogLevel  string
}

// Thresholds converts the configured durations into engine thresholds.
func (c *Config) Thresholds() logic.Thresholds {
	return logic.NewThresholds(c.ThresholdTime, c.PossibleArrivalTime, c.MinTime, c.ProximityTime)
}

// Load reads .env.<APP_ENV> and .env (both optional, existing variables win)
// and parses the environment.
func Load() (*Config, error) {
	env := getenvDefault("APP_ENV", "development")
	for _, path := range []string{".env." + env, ".env"} {
		if err := loadEnvFile(path); err != nil {
			return nil, err
		}
	}
	return FromEnv(os.Getenv)
}

// loadEnvFile loads path if it exists. A file that is present but
// unreadable or malformed is an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv parses a configuration from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(k, def string) string {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Env:         get("APP_ENV", "development"),
		HTTPAddr:    get("HTTP_ADDR", ":3000"),
		TagoURL:     get("TAGO_API_URL", transit.DefaultTagoURL),
		TagoKey:     getenv("TAGO_API_KEY"),
		SeoulURL:    get("SEOUL_API_URL", transit.DefaultSeoulURL),
		SeoulKey:    get("SEOUL_API_KEY", getenv("TAGO_API_KEY")),
		SmartThings: get("SMARTTHINGS_API_URL", smartthings.DefaultBaseURL),
		STToken:     getenv("SMARTTHINGS_TOKEN"),
		KeyURL:      get("SMARTTHINGS_KEY_URL", smartthings.DefaultKeyURL),
		StoreDSN:    get("STORE_DSN", "sqlite://bus-notifier.db"),
		EventsURL:   getenv("EVENTS_URL"),
		LogFormat:   get("LOG_FORMAT", "json"),
		LogLevel:    get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.VerifySigs, err = strconv.ParseBool(get("SMARTTHINGS_VERIFY_SIGNATURES", "true")); err != nil {
		return nil, fmt.Errorf("invalid SMARTTHINGS_VERIFY_SIGNATURES: %q", get("SMARTTHINGS_VERIFY_SIGNATURES", ""))
	}
	if cfg.RatePerMin, err = positiveInt(get("PROVIDER_RATE_PER_MIN", "60"), "PROVIDER_RATE_PER_MIN"); err != nil {
		return nil, err
	}

	durations := []struct {
		key  string
		def  string
		dst  *time.Duration
		zero bool
	}{
		{"BUS_THRESHOLD_TIME", "5m", &cfg.ThresholdTime, false},
		{"BUS_POSSIBLE_ARRIVAL_TIME", "3m", &cfg.PossibleArrivalTime, false},
		{"BUS_MIN_TIME", "2m", &cfg.MinTime, false},
		{"BUS_PROXIMITY_TIME", "0", &cfg.ProximityTime, true},
		{"POLL_INTERVAL", "0", &cfg.PollInterval, true},
	}
	for _, d := range durations {
		v, err := parseDuration(get(d.key, d.def))
		if err != nil || v < 0 || (v == 0 && !d.zero) {
			return nil, fmt.Errorf("invalid %s: %q", d.key, get(d.key, d.def))
		}
		*d.dst = v
	}

	if cfg.ThresholdTime <= time.Minute {
		return nil, fmt.Errorf("invalid BUS_THRESHOLD_TIME: %v must exceed the one minute margin", cfg.ThresholdTime)
	}
	if cfg.PollInterval > 0 && cfg.STToken == "" {
		return nil, errors.New("POLL_INTERVAL requires SMARTTHINGS_TOKEN")
	}

	tz := get("TZ", "Asia/Seoul")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		// Hosts without tzdata still run in KST.
		if tz != "Asia/Seoul" {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = logic.KST
	}

	return cfg, nil
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func positiveInt(s, key string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
