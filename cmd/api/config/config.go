package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	FirebaseProjectID string
	GCSBucketName     string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	// GoogleAIStudioKey enables the direct Gemini route when set.
	GoogleAIStudioKey string

	StripeSecretKey     string
	StripeWebhookSecret string
	AppURL              string
	StripePriceTokens   map[string]int64

	InitialTokens int64

	AnalysisTimeout      time.Duration
	EATimeout            time.Duration
	SessionMaxAge        time.Duration
	MessageGap           time.Duration
	SessionCheckInterval time.Duration
}

// Load reads .env when present, then the environment. Missing optional values fall back
// to defaults; malformed values are errors.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found")
	}

	prices, err := ParsePriceTokens(os.Getenv("STRIPE_PRICE_TOKENS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", "3000"),
		AllowedOrigins:      strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		FirebaseProjectID:   os.Getenv("FIREBASE_PROJECT_ID"),
		GCSBucketName:       os.Getenv("GCS_BUCKET_NAME"),
		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:   getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		GoogleAIStudioKey:   os.Getenv("GOOGLE_AI_STUDIO_API_KEY"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AppURL:              os.Getenv("URL"),
		StripePriceTokens:   prices,
	}

	if cfg.InitialTokens, err = getEnvInt("INITIAL_TOKENS", 100); err != nil {
		return nil, err
	}
	durations := []struct {
		key      string
		fallback time.Duration
		target   *time.Duration
	}{
		{"ANALYSIS_TIMEOUT", 60 * time.Second, &cfg.AnalysisTimeout},
		{"EA_TIMEOUT", 30 * time.Second, &cfg.EATimeout},
		{"CHAT_SESSION_MAX_AGE", 24 * time.Hour, &cfg.SessionMaxAge},
		{"CHAT_MESSAGE_GAP", 500 * time.Millisecond, &cfg.MessageGap},
		{"SESSION_CHECK_INTERVAL", 30 * time.Second, &cfg.SessionCheckInterval},
	}
	for _, d := range durations {
		if *d.target, err = getEnvDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate reports the settings the server cannot start without.
func (c *Config) Validate() error {
	var missing []string
	for key, value := range map[string]string{
		"FIREBASE_PROJECT_ID": c.FirebaseProjectID,
		"GCS_BUCKET_NAME":     c.GCSBucketName,
		"OPENROUTER_API_KEY":  c.OpenRouterAPIKey,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParsePriceTokens reads the allow-list format price_a:1000,price_b:5000.
func ParsePriceTokens(raw string) (map[string]int64, error) {
	prices := make(map[string]int64)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		priceID, tokens, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(priceID) == "" {
			return nil, fmt.Errorf("STRIPE_PRICE_TOKENS: malformed entry %q", entry)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(tokens), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("STRIPE_PRICE_TOKENS: invalid token amount in %q", entry)
		}
		prices[strings.TrimSpace(priceID)] = amount
	}
	return prices, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
