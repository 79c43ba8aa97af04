// Package config loads every tunable of the enforcement pipeline from
// environment variables with sane defaults. A local .env file is honoured
// in development via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aegis/backend/internal/core"
)

// Settings is the full runtime configuration. One instance is built at
// startup and injected; nothing reads the environment after Load returns.
type Settings struct {
	// Infrastructure
	Port        int
	Environment string // "development" | "production"
	LogLevel    string
	LogFormat   string // "json" | "text"
	RedisURL    string
	AuditDBURL  string

	// Safety
	JWTSecret           string
	APIKeys             string // comma-separated key:tier pairs
	RateLimitSecret     string
	CSRFSecret          string
	AutoSuspendSeverity core.Severity
	MisuseWindow        time.Duration
	MisuseThreshold     int
	MaxInputBytes       int64
	MaxTokens           int
	ModelTimeout        time.Duration
	ModelMaxRPS         int
	MLFlagThreshold     float64
	CosineThreshold     float64
	CooldownDuration    time.Duration
	HeatThreshold       float64
	HeatDecayRate       float64
	StaminaMax          float64
	StaminaRegenPerSec  float64
	StaminaCostPerChar  float64
	StaminaFlowBonus    float64
	PatternWindow       time.Duration

	// Model provider
	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	// Classifier (optional; empty URL disables)
	ClassifierURL string

	// Reviewer sinks
	ReviewerWebhookURL  string
	IncidentWebhookURL  string
	RuleFiles           []string
	RuleReloadInterval  time.Duration
	BlocklistRefresh    time.Duration
	WorkerCount         int
	WorkerBatchSize     int
	PostCheckTimeout    time.Duration
	ResultTTL           time.Duration
	SuspensionTTL       time.Duration
	CanaryBaseRisk      float64

	// Operational
	DegradedMode bool
}

// Load reads the environment (and .env, if present) into Settings.
func Load() (*Settings, error) {
	_ = godotenv.Load() // best effort; absent in production images

	s := &Settings{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		LogFormat:   envStr("LOG_FORMAT", "json"),
		RedisURL:    envStr("REDIS_URL", "redis://localhost:6379/0"),
		AuditDBURL:  envStr("AUDIT_DB_URL", "postgres://localhost/safety?sslmode=disable"),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		APIKeys:             os.Getenv("API_KEYS"),
		RateLimitSecret:     os.Getenv("RATE_LIMIT_SECRET"),
		CSRFSecret:          os.Getenv("CSRF_SECRET"),
		AutoSuspendSeverity: core.Severity(envStr("AUTO_SUSPEND_SEVERITY", "high")),
		MisuseWindow:        envDur("MISUSE_WINDOW_SECONDS", 3600*time.Second),
		MisuseThreshold:     envInt("MISUSE_THRESHOLD", 5),
		MaxInputBytes:       int64(envInt("MAX_INPUT_BYTES", 50000)),
		MaxTokens:           envInt("MAX_TOKENS", 1024),
		ModelTimeout:        envDur("MODEL_TIMEOUT_SECONDS", 30*time.Second),
		ModelMaxRPS:         envInt("MODEL_MAX_RPS", 2),
		MLFlagThreshold:     envFloat("ML_FLAG_THRESHOLD", 0.65),
		CosineThreshold:     envFloat("COSINE_THRESHOLD", 0.82),
		CooldownDuration:    envDur("COOLDOWN_DURATION_SECONDS", 300*time.Second),
		HeatThreshold:       envFloat("HEAT_THRESHOLD", 80),
		HeatDecayRate:       envFloat("HEAT_DECAY_RATE", 0.5),
		StaminaMax:          envFloat("STAMINA_MAX", 100),
		StaminaRegenPerSec:  envFloat("STAMINA_REGEN_PER_SECOND", 1.0),
		StaminaCostPerChar:  envFloat("STAMINA_COST_PER_CHAR", 0.01),
		StaminaFlowBonus:    envFloat("STAMINA_FLOW_BONUS", 1.5),
		PatternWindow:       envDur("PATTERN_DETECTION_WINDOW_SECONDS", 600*time.Second),

		ModelBaseURL: envStr("MODEL_BASE_URL", "http://localhost:8000/v1"),
		ModelAPIKey:  os.Getenv("MODEL_API_KEY"),
		ModelName:    envStr("MODEL_NAME", "gpt-4o-mini"),

		ClassifierURL: os.Getenv("CLASSIFIER_URL"),

		ReviewerWebhookURL: os.Getenv("REVIEWER_WEBHOOK_URL"),
		IncidentWebhookURL: os.Getenv("INCIDENT_WEBHOOK_URL"),
		RuleReloadInterval: envDur("RULE_RELOAD_INTERVAL_SECONDS", 30*time.Second),
		BlocklistRefresh:   envDur("BLOCKLIST_REFRESH_SECONDS", 60*time.Second),
		WorkerCount:        envInt("WORKER_COUNT", 4),
		WorkerBatchSize:    envInt("WORKER_BATCH_SIZE", 10),
		PostCheckTimeout:   envDur("POST_CHECK_TIMEOUT_SECONDS", 10*time.Second),
		ResultTTL:          envDur("RESULT_TTL_SECONDS", 3600*time.Second),
		SuspensionTTL:      envDur("SUSPENSION_TTL_SECONDS", 24*3600*time.Second),
		CanaryBaseRisk:     envFloat("CANARY_BASE_RISK", 0.4),

		DegradedMode: envBool("DEGRADED_MODE", false),
	}

	if rf := os.Getenv("RULE_FILES"); rf != "" {
		s.RuleFiles = splitCSV(rf)
	} else {
		s.RuleFiles = []string{"rules/default_rules.yaml"}
	}

	switch s.AutoSuspendSeverity {
	case core.SeverityLow, core.SeverityMedium, core.SeverityHigh, core.SeverityCritical:
	default:
		return nil, fmt.Errorf("invalid AUTO_SUSPEND_SEVERITY %q", s.AutoSuspendSeverity)
	}
	if s.MaxInputBytes <= 0 {
		return nil, fmt.Errorf("MAX_INPUT_BYTES must be positive, got %d", s.MaxInputBytes)
	}
	return s, nil
}

// IsDevelopment reports whether docs/debug surfaces may be exposed.
func (s *Settings) IsDevelopment() bool { return s.Environment == "development" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDur reads an integer number of seconds.
func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
