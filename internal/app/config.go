package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Security & hardening.
	AdminToken  string   // required for /admin/v1 access in production
	AuthEnabled bool     // API key auth on /v1
	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// Routing.
	DefaultStrategy string
	MaxModels       int

	// Provider credentials. An empty key leaves that provider unregistered.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	LocalEnabled     bool

	ProviderTimeoutSecs int

	// Execution pipeline.
	RetriesPerModel int
	MaxFallbacks    int

	// Response cache.
	CacheEntries int
	CacheTTLSecs int

	// Per-scope rate limits.
	TenantRPS   float64
	TenantBurst int
	APIKeyRPS   float64
	APIKeyBurst int

	// Circuit breaker.
	BreakerErrorPct  int
	BreakerMinVolume int
	BreakerResetSecs int

	// Background loops.
	ProbeIntervalSecs   int
	SLAEvalIntervalSecs int

	// OpenTelemetry.
	TracingEnabled  bool
	TracingEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("LLMROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("LLMROUTER_LOG_LEVEL", "info"),
		DBDSN:      getEnv("LLMROUTER_DB_DSN", "file:/data/llmrouter.sqlite"),

		AdminToken:  getEnv("LLMROUTER_ADMIN_TOKEN", ""),
		AuthEnabled: getEnvBool("LLMROUTER_AUTH_ENABLED", true),
		CORSOrigins: getEnvStringSlice("LLMROUTER_CORS_ORIGINS", nil),

		DefaultStrategy: getEnv("LLMROUTER_DEFAULT_STRATEGY", "balanced"),
		MaxModels:       getEnvInt("LLMROUTER_MAX_MODELS", 100),

		OpenAIAPIKey:     getEnv("LLMROUTER_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("LLMROUTER_OPENAI_BASE_URL", "https://api.openai.com"),
		AnthropicAPIKey:  getEnv("LLMROUTER_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("LLMROUTER_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		LocalEnabled:     getEnvBool("LLMROUTER_LOCAL_ENABLED", true),

		ProviderTimeoutSecs: getEnvInt("LLMROUTER_PROVIDER_TIMEOUT_SECS", 30),

		RetriesPerModel: getEnvInt("LLMROUTER_RETRIES_PER_MODEL", 2),
		MaxFallbacks:    getEnvInt("LLMROUTER_MAX_FALLBACKS", 2),

		CacheEntries: getEnvInt("LLMROUTER_CACHE_ENTRIES", 10000),
		CacheTTLSecs: getEnvInt("LLMROUTER_CACHE_TTL_SECS", 300),

		TenantRPS:   getEnvFloat("LLMROUTER_TENANT_RPS", 50),
		TenantBurst: getEnvInt("LLMROUTER_TENANT_BURST", 100),
		APIKeyRPS:   getEnvFloat("LLMROUTER_APIKEY_RPS", 25),
		APIKeyBurst: getEnvInt("LLMROUTER_APIKEY_BURST", 50),

		BreakerErrorPct:  getEnvInt("LLMROUTER_BREAKER_ERROR_PCT", 50),
		BreakerMinVolume: getEnvInt("LLMROUTER_BREAKER_MIN_VOLUME", 5),
		BreakerResetSecs: getEnvInt("LLMROUTER_BREAKER_RESET_SECS", 30),

		ProbeIntervalSecs:   getEnvInt("LLMROUTER_PROBE_INTERVAL_SECS", 30),
		SLAEvalIntervalSecs: getEnvInt("LLMROUTER_SLA_EVAL_INTERVAL_SECS", 15),

		TracingEnabled:  getEnvBool("LLMROUTER_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("LLMROUTER_TRACING_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.TenantRPS <= 0 {
		return fmt.Errorf("LLMROUTER_TENANT_RPS must be > 0, got %f", c.TenantRPS)
	}
	if c.TenantBurst <= 0 {
		return fmt.Errorf("LLMROUTER_TENANT_BURST must be > 0, got %d", c.TenantBurst)
	}
	if c.APIKeyRPS <= 0 {
		return fmt.Errorf("LLMROUTER_APIKEY_RPS must be > 0, got %f", c.APIKeyRPS)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("LLMROUTER_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.BreakerErrorPct < 1 || c.BreakerErrorPct > 100 {
		return fmt.Errorf("LLMROUTER_BREAKER_ERROR_PCT must be in [1,100], got %d", c.BreakerErrorPct)
	}
	if c.MaxModels <= 0 {
		return fmt.Errorf("LLMROUTER_MAX_MODELS must be > 0, got %d", c.MaxModels)
	}
	switch c.DefaultStrategy {
	case "balanced", "quality_first", "cost_optimized", "speed_priority", "capability_match", "least_loaded", "round_robin", "random":
	default:
		return fmt.Errorf("LLMROUTER_DEFAULT_STRATEGY %q is not a known strategy", c.DefaultStrategy)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
