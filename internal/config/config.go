package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the engine.
// Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret string

	// Dispatch tuning. The radius schedule, retry cadence and offer
	// window are deployment knobs, not contract.
	DispatchRadiiKm       []float64
	DispatchRetryInterval time.Duration
	DispatchMaxAttempts   int
	DispatchWorkers       int
	CandidateLimit        int

	OfferWindow       time.Duration
	PresenceFreshness time.Duration

	Currency     string
	StripeAPIKey string
	PushEndpoint string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",

		DispatchRadiiKm:       []float64{3, 7, 15},
		DispatchRetryInterval: 60 * time.Second,
		DispatchMaxAttempts:   5,
		DispatchWorkers:       4,
		CandidateLimit:        8,

		OfferWindow:       30 * time.Second,
		PresenceFreshness: 2 * time.Minute,

		Currency: "mxn",
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	if v := os.Getenv("DISPATCH_RADII_KM"); v != "" {
		radii, err := parseRadii(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.DispatchRadiiKm = radii
		}
	}
	setDurationFromEnv(&cfg.DispatchRetryInterval, "DISPATCH_RETRY_INTERVAL", &errs)
	setIntFromEnv(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.DispatchWorkers, "DISPATCH_WORKERS", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)

	setDurationFromEnv(&cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setDurationFromEnv(&cfg.PresenceFreshness, "PRESENCE_FRESHNESS", &errs)

	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}
	if len(cfg.DispatchRadiiKm) == 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADII_KM must name at least one radius"))
	}

	return cfg, errors.Join(errs...)
}

func parseRadii(v string) ([]float64, error) {
	parts := splitAndTrim(v)
	out := make([]float64, 0, len(parts))
	prev := 0.0
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_RADII_KM entry %q: %w", p, err)
		}
		if f <= prev {
			return nil, fmt.Errorf("DISPATCH_RADII_KM must be strictly increasing, got %q", v)
		}
		prev = f
		out = append(out, f)
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
