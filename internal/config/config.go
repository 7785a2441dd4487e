package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/adjudicator/pkg/models"
)

// Config holds all configuration for the adjudicator service.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	APIKeys   []string
	Upstream  UpstreamConfig
	Endpoints EndpointConfig
	PII       PIIConfig
	Router    RouterConfig
	Database  DatabaseConfig
	Sessions  SessionConfig
	Telemetry TelemetryConfig
	Retention RetentionConfig

	ProcessConcurrency int
}

type UpstreamConfig struct {
	URL               string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	MaxOutputTokens   int
	MaxToolIterations int

	// SynthesizeInvocations fills display-only invocation records from
	// literal call text when the corrective turn is exhausted.
	SynthesizeInvocations bool
}

// EndpointConfig holds the URLs of the capability endpoint groups.
type EndpointConfig struct {
	OCR     string
	Search  string
	Records string
}

type PIIConfig struct {
	Enabled bool
	Mode    models.RedactionMode
}

// RouterConfig holds the intent router's empirically tuned thresholds.
type RouterConfig struct {
	ShortKeywordMaxLen   int
	MinFrenchWords       int
	AgentsFile           string
	SuggestedActionsFile string
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

type SessionConfig struct {
	Backend       string // database | memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	LockTTL       time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

// RetentionConfig drives the retention janitor. A zero window disables
// its sweep.
type RetentionConfig struct {
	Interval        time.Duration
	SessionIdle     time.Duration
	PIIOriginals    time.Duration
	ArchiveDir      string
	ArchiveCompress bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("ADJUDICATOR_PORT", 8080),
		Version:  envStr("ADJUDICATOR_VERSION", "0.1.0"),
		LogLevel: envStr("LOG_LEVEL", "info"),
		APIKeys:  envList("ADJUDICATOR_API_KEYS"),
		Upstream: UpstreamConfig{
			URL:               envStr("UPSTREAM_URL", "http://localhost:8000/v1/responses"),
			APIKey:            envStr("UPSTREAM_API_KEY", ""),
			Model:             envStr("UPSTREAM_MODEL", "gpt-4.1"),
			Timeout:           time.Duration(envInt("UPSTREAM_TIMEOUT_SECONDS", 120)) * time.Second,
			MaxRetries:        envInt("UPSTREAM_MAX_RETRIES", 1),
			MaxOutputTokens:   envInt("UPSTREAM_MAX_OUTPUT_TOKENS", 4096),
			MaxToolIterations: envInt("UPSTREAM_MAX_TOOL_ITERATIONS", 10),

			SynthesizeInvocations: envBool("UPSTREAM_SYNTHESIZE_INVOCATIONS", false),
		},
		Endpoints: EndpointConfig{
			OCR:     envStr("CAPABILITY_OCR_URL", "http://localhost:8101/mcp"),
			Search:  envStr("CAPABILITY_SEARCH_URL", "http://localhost:8102/mcp"),
			Records: envStr("CAPABILITY_RECORDS_URL", "http://localhost:8103/mcp"),
		},
		PII: PIIConfig{
			Enabled: envBool("PII_DETECTION_ENABLED", true),
			Mode:    redactionMode(envStr("PII_REDACTION_MODE", string(models.RedactionDualStore))),
		},
		Router: RouterConfig{
			ShortKeywordMaxLen:   envInt("ROUTER_SHORT_KEYWORD_MAX_LEN", 3),
			MinFrenchWords:       envInt("ROUTER_MIN_FRENCH_WORDS", 2),
			AgentsFile:           envStr("AGENTS_FILE", ""),
			SuggestedActionsFile: envStr("SUGGESTED_ACTIONS_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver: envStr("DATABASE_DRIVER", "sqlite"),
			URL:    envStr("DATABASE_URL", "data/adjudicator.db"),
		},
		Sessions: SessionConfig{
			Backend:       envStr("SESSION_BACKEND", "database"),
			RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
			RedisPassword: envStr("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			TTL:           time.Duration(envInt("SESSION_TTL_SECONDS", 0)) * time.Second,
			LockTTL:       time.Duration(envInt("SESSION_LOCK_TTL_SECONDS", 180)) * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "adjudicator"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Retention: RetentionConfig{
			Interval:        time.Duration(envInt("RETENTION_INTERVAL_MINUTES", 60)) * time.Minute,
			SessionIdle:     time.Duration(envInt("RETENTION_SESSION_IDLE_HOURS", 0)) * time.Hour,
			PIIOriginals:    time.Duration(envInt("RETENTION_PII_ORIGINAL_DAYS", 0)) * 24 * time.Hour,
			ArchiveDir:      envStr("RETENTION_ARCHIVE_DIR", "data/archive"),
			ArchiveCompress: envBool("RETENTION_ARCHIVE_COMPRESS", true),
		},
		ProcessConcurrency: envInt("PROCESS_CONCURRENCY", 4),
	}
}

func redactionMode(v string) models.RedactionMode {
	if models.RedactionMode(strings.ToLower(v)) == models.RedactionRedactOnly {
		return models.RedactionRedactOnly
	}
	return models.RedactionDualStore
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
