package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StrategyConfig carries per-strategy detection tuning. Values are read once at
// startup; changes apply to subsequent calls only.
type StrategyConfig struct {
	Enabled        bool
	HighThreshold  float64
	FloorThreshold float64
	DetectTimeout  time.Duration
	DetectRetries  int
	MinAudioBytes  int
}

type Config struct {
	Addr        string
	DatabaseURL string

	// PublicBaseURL is the externally reachable base URL the carrier calls
	// back to. Required: without it no webhook-driven strategy can work.
	PublicBaseURL string

	CarrierAPIURL    string
	CarrierAccountID string
	CarrierAuthToken string
	WebhookToken     string

	OperatorJWTSecret string

	HuggingFaceURL string
	GeminiURL      string

	HoldMessage      string
	VoicemailMessage string
	ApologyMessage   string
	PollPause        time.Duration
	PollCeiling      int

	Native      StrategyConfig
	HuggingFace StrategyConfig
	Gemini      StrategyConfig

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
}

const (
	defaultAddr             = ":8070"
	defaultCarrierAPIURL    = "https://api.twilio.com/2010-04-01"
	defaultHoldMessage      = "Please hold while we connect you."
	defaultVoicemailMessage = "Sorry we missed you. We will try again later. Goodbye."
	defaultApologyMessage   = "We are unable to complete this call right now. Goodbye."
)

func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("OUTDIAL_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("OUTDIAL_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PublicBaseURL:    os.Getenv("OUTDIAL_PUBLIC_BASE_URL"),
		CarrierAPIURL:    getEnv("OUTDIAL_CARRIER_API_URL", defaultCarrierAPIURL),
		CarrierAccountID: os.Getenv("OUTDIAL_CARRIER_ACCOUNT_SID"),
		CarrierAuthToken: os.Getenv("OUTDIAL_CARRIER_AUTH_TOKEN"),
		WebhookToken:     os.Getenv("OUTDIAL_WEBHOOK_TOKEN"),

		OperatorJWTSecret: os.Getenv("OUTDIAL_OPERATOR_JWT_SECRET"),

		HuggingFaceURL: os.Getenv("OUTDIAL_HF_URL"),
		GeminiURL:      os.Getenv("OUTDIAL_GEMINI_URL"),

		HoldMessage:      getEnv("OUTDIAL_HOLD_MESSAGE", defaultHoldMessage),
		VoicemailMessage: getEnv("OUTDIAL_VOICEMAIL_MESSAGE", defaultVoicemailMessage),
		ApologyMessage:   getEnv("OUTDIAL_APOLOGY_MESSAGE", defaultApologyMessage),
		PollPause:        getDuration("OUTDIAL_POLL_PAUSE", 2*time.Second),
		PollCeiling:      getInt("OUTDIAL_POLL_CEILING", 10),

		Native: StrategyConfig{
			Enabled:        true,
			HighThreshold:  getFloat("OUTDIAL_NATIVE_HIGH_THRESHOLD", 0.70),
			FloorThreshold: getFloat("OUTDIAL_NATIVE_FLOOR_THRESHOLD", 0.30),
		},
		HuggingFace: StrategyConfig{
			Enabled:        getBool("OUTDIAL_HF_ENABLED", true),
			HighThreshold:  getFloat("OUTDIAL_HF_HIGH_THRESHOLD", 0.85),
			FloorThreshold: getFloat("OUTDIAL_HF_FLOOR_THRESHOLD", 0.40),
			DetectTimeout:  getDuration("OUTDIAL_HF_DETECT_TIMEOUT", 10*time.Second),
			DetectRetries:  getInt("OUTDIAL_HF_DETECT_RETRIES", 2),
			MinAudioBytes:  getInt("OUTDIAL_HF_MIN_AUDIO_BYTES", 1000),
		},
		Gemini: StrategyConfig{
			Enabled:        getBool("OUTDIAL_GEMINI_ENABLED", true),
			HighThreshold:  getFloat("OUTDIAL_GEMINI_HIGH_THRESHOLD", 0.80),
			FloorThreshold: getFloat("OUTDIAL_GEMINI_FLOOR_THRESHOLD", 0.35),
			DetectTimeout:  getDuration("OUTDIAL_GEMINI_DETECT_TIMEOUT", 15*time.Second),
			DetectRetries:  getInt("OUTDIAL_GEMINI_DETECT_RETRIES", 2),
			MinAudioBytes:  getInt("OUTDIAL_GEMINI_MIN_AUDIO_BYTES", 1000),
		},

		KafkaTopic: getEnv("OUTDIAL_KAFKA_TOPIC", "outdial.amd-events"),
		S3Bucket:   os.Getenv("OUTDIAL_S3_BUCKET"),
		S3Prefix:   getEnv("OUTDIAL_S3_PREFIX", "amd"),
	}
	if brokers := os.Getenv("OUTDIAL_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitCSV(brokers)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or OUTDIAL_DATABASE_URL required")
	}
	if cfg.CarrierAccountID == "" || cfg.CarrierAuthToken == "" {
		return Config{}, fmt.Errorf("OUTDIAL_CARRIER_ACCOUNT_SID and OUTDIAL_CARRIER_AUTH_TOKEN required")
	}
	if cfg.OperatorJWTSecret == "" {
		return Config{}, fmt.Errorf("OUTDIAL_OPERATOR_JWT_SECRET required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
