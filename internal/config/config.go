package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverGORM = "gorm"
	StoreDriverPGX  = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/revoledger.db"
	defaultListenAddr       = ":8080"
	defaultLogLevel         = "info"
	defaultAllowedOrigin    = "http://localhost:3000"
	defaultLockTTL          = 30 * time.Second
	defaultLockWait         = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultWebhookTolerance = 5 * time.Minute
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for revoledgerd.
type Config struct {
	DatabaseURL         string
	StoreDriver         string
	ListenAddr          string
	LogLevel            string
	AllowedOrigins      []string
	APIToken            string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	RedisURL            string
	LockTTL             time.Duration
	LockWait            time.Duration
	RequestTimeout      time.Duration
	// Plans maps a plan id to the credits it grants.
	Plans map[string]int64
	// GenerationCosts maps a model version to the credits one generation consumes.
	GenerationCosts map[string]int64
}

// DefaultGenerationCosts is the per-version price list.
func DefaultGenerationCosts() map[string]int64 {
	return map[string]int64{
		"revo-1.0": 1,
		"revo-1.5": 2,
		"revo-2.0": 3,
	}
}

// Validate fills defaults and rejects values the server cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGORM))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if len(cfg.GenerationCosts) == 0 {
		cfg.GenerationCosts = DefaultGenerationCosts()
	}
	if cfg.Plans == nil {
		cfg.Plans = map[string]int64{}
	}

	switch cfg.StoreDriver {
	case StoreDriverGORM:
	case StoreDriverPGX:
		database, err := ResolveDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if database.Driver != DriverPostgres {
			return fmt.Errorf("%w: store driver %q requires a postgres database url", ErrInvalidConfig, StoreDriverPGX)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, cfg.StoreDriver)
	}
	if cfg.LockTTL < 0 || cfg.LockWait < 0 {
		return fmt.Errorf("%w: lock durations must not be negative", ErrInvalidConfig)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.WebhookTolerance < 0 {
		return fmt.Errorf("%w: webhook tolerance must not be negative", ErrInvalidConfig)
	}
	for plan, credits := range cfg.Plans {
		if strings.TrimSpace(plan) == "" || credits <= 0 {
			return fmt.Errorf("%w: plan %q must grant positive credits", ErrInvalidConfig, plan)
		}
	}
	for version, cost := range cfg.GenerationCosts {
		if strings.TrimSpace(version) == "" || cost <= 0 {
			return fmt.Errorf("%w: generation cost for %q must be positive", ErrInvalidConfig, version)
		}
	}
	return nil
}

// LoadDotEnv loads KEY=value pairs from path into the environment without overriding existing variables.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseCreditMap parses "name=credits" pairs separated by commas, e.g. "starter=100,pro=500".
func ParseCreditMap(raw string) (map[string]int64, error) {
	values := map[string]int64{}
	for _, pair := range ParseAllowedOrigins(raw) {
		name, rawCredits, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrInvalidConfig, pair)
		}
		credits, err := strconv.ParseInt(strings.TrimSpace(rawCredits), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: credits for %q: %v", ErrInvalidConfig, name, err)
		}
		values[name] = credits
	}
	return values, nil
}

// FormatCreditMap renders a credit map in the form ParseCreditMap accepts, sorted by name.
func FormatCreditMap(values map[string]int64) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+strconv.FormatInt(values[name], 10))
	}
	return strings.Join(pairs, ",")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
