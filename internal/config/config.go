// Package config assembles the closed configuration record described in
// spec.md §6 and §9 ("replace dynamic config objects with a closed
// configuration record whose fields enumerate every option"). It is
// read once at startup; every field carrying a validate tag is checked
// with go-playground/validator before the process proceeds, generalizing
// the teacher's requireEnv/getEnvOrDefault fail-fast idiom in
// cmd/engine/main.go into a single typed struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// MerchantEnv selects the external bulk-search service's endpoint base.
type MerchantEnv string

const (
	EnvProduction MerchantEnv = "production"
	EnvSandbox    MerchantEnv = "sandbox"
)

// Config is the single closed set of options this service recognizes.
// Unknown environment variables are simply ignored; every field the
// service *does* read is named here, nowhere else.
type Config struct {
	Port string `validate:"required"`

	DatabaseURL string `validate:"required"`

	EnableClassify bool
	EnableFinexio  bool
	EnableAddress  bool
	EnableMerchant bool

	ClassifierRate float64 `validate:"gt=0"`
	MerchantRate   float64 `validate:"gt=0"`
	AddressRate    float64 `validate:"gt=0"`

	ClassifierConcurrency int `validate:"gt=0"`
	AddressConcurrency    int `validate:"gt=0"`
	MerchantConcurrency   int `validate:"gt=0"`
	SupplierConcurrency   int `validate:"gt=0"`

	MerchantPollInitial   time.Duration `validate:"gt=0"`
	MerchantPollMax       time.Duration `validate:"gt=0"`
	MerchantMaxAttempts   int           `validate:"gt=0"`
	MerchantHardDeadline  time.Duration `validate:"gt=0"`
	MerchantSoftDeadline  time.Duration `validate:"gt=0"`
	MerchantMaxMatches    int           `validate:"gt=0"`
	MerchantMinConfidence float64       `validate:"gte=0,lte=1"`

	MerchantEligibilityConfidence float64 `validate:"gte=0,lte=1"`
	BackpressureHighWaterMark     int     `validate:"gt=0"`

	AIEnhanceThreshold float64       `validate:"gte=0,lte=1"`
	ProgressiveBudget  time.Duration `validate:"gt=0"`
	AddressSoftDeadline time.Duration `validate:"gt=0"`

	WebhookSecret       string `validate:"required"`
	WebhookReplayWindow time.Duration `validate:"gt=0"`

	MerchantEnv MerchantEnv `validate:"oneof=production sandbox"`

	ConsumerKey   string `validate:"required"`
	PrivateKeyPEM string `validate:"required"`
	ClientID      string

	APIAuthToken string

	AnthropicAPIKey string
}

// Load builds a Config from the process environment and validates it.
// Required values with no safe default cause a fatal-equivalent error
// (the caller, cmd/engine/main.go, logs and exits) instead of the
// service starting half-configured.
func Load() (*Config, error) {
	env := os.Getenv("MERCHANT_ENV")
	if env == "" {
		env = string(EnvSandbox)
	}

	minConfidence := 0.3
	if MerchantEnv(env) == EnvSandbox {
		minConfidence = 0.1
	}

	cfg := &Config{
		Port:        getOr("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		EnableClassify: getBool("ENABLE_CLASSIFY", true),
		EnableFinexio:  getBool("ENABLE_FINEXIO", true),
		EnableAddress:  getBool("ENABLE_ADDRESS", true),
		EnableMerchant: getBool("ENABLE_MERCHANT", true),

		ClassifierRate: getFloat("CLASSIFIER_RATE", 10),
		MerchantRate:   getFloat("MERCHANT_RATE", 5),
		AddressRate:    getFloat("ADDRESS_RATE", 10),

		ClassifierConcurrency: getInt("CLASSIFIER_CONCURRENCY", 10),
		AddressConcurrency:    getInt("ADDRESS_CONCURRENCY", 20),
		MerchantConcurrency:   getInt("MERCHANT_CONCURRENCY", 5),
		SupplierConcurrency:   getInt("SUPPLIER_CONCURRENCY", 50),

		MerchantPollInitial:  getDuration("MERCHANT_POLL_INITIAL", 30*time.Second),
		MerchantPollMax:      getDuration("MERCHANT_POLL_MAX", 120*time.Second),
		MerchantMaxAttempts:  getInt("MERCHANT_MAX_ATTEMPTS", 40),
		MerchantHardDeadline: getDuration("MERCHANT_HARD_DEADLINE", 45*time.Minute),
		MerchantSoftDeadline: getDuration("MERCHANT_SOFT_DEADLINE", 20*time.Minute),
		MerchantMaxMatches:   getInt("MERCHANT_MAX_MATCHES", 5),
		MerchantMinConfidence: getFloat("MERCHANT_MIN_CONFIDENCE", minConfidence),

		MerchantEligibilityConfidence: getFloat("MERCHANT_ELIGIBILITY_CONFIDENCE", 0.80),
		BackpressureHighWaterMark:     getInt("BACKPRESSURE_HIGH_WATER_MARK", 500),

		AIEnhanceThreshold:  getFloat("AI_ENHANCE_THRESHOLD", 0.90),
		ProgressiveBudget:   getDuration("PROGRESSIVE_BUDGET_MS_DUR", 0),
		AddressSoftDeadline: getDuration("ADDRESS_SOFT_DEADLINE", 5*time.Second),

		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookReplayWindow: getDuration("WEBHOOK_REPLAY_WINDOW", 10*time.Minute),

		MerchantEnv: MerchantEnv(env),

		ConsumerKey:   os.Getenv("CONSUMER_KEY"),
		PrivateKeyPEM: os.Getenv("PRIVATE_KEY_PEM"),
		ClientID:      os.Getenv("CLIENT_ID"),

		APIAuthToken: os.Getenv("API_AUTH_TOKEN"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}

	if cfg.ProgressiveBudget == 0 {
		cfg.ProgressiveBudget = time.Duration(getInt("PROGRESSIVE_BUDGET_MS", 2000)) * time.Millisecond
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func getOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
