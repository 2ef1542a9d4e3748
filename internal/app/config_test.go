package app

import (
	"reflect"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.DefaultStrategy != "balanced" {
		t.Errorf("defaults: %+v", cfg)
	}
	if !cfg.AuthEnabled || !cfg.LocalEnabled {
		t.Errorf("auth/local defaults: %+v", cfg)
	}
	if cfg.TenantRPS != 50 || cfg.BreakerErrorPct != 50 {
		t.Errorf("tuning defaults: %+v", cfg)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LLMROUTER_LISTEN_ADDR", ":9999")
	t.Setenv("LLMROUTER_AUTH_ENABLED", "false")
	t.Setenv("LLMROUTER_TENANT_RPS", "12.5")
	t.Setenv("LLMROUTER_MAX_MODELS", "7")
	t.Setenv("LLMROUTER_CORS_ORIGINS", "https://a.test, https://b.test,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.AuthEnabled || cfg.TenantRPS != 12.5 || cfg.MaxModels != 7 {
		t.Errorf("overrides: %+v", cfg)
	}
	if want := []string{"https://a.test", "https://b.test"}; !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Errorf("cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadConfig_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("LLMROUTER_MAX_MODELS", "lots")
	t.Setenv("LLMROUTER_AUTH_ENABLED", "sure")
	t.Setenv("LLMROUTER_TENANT_RPS", "fast")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxModels != 100 || !cfg.AuthEnabled || cfg.TenantRPS != 50 {
		t.Errorf("fallbacks: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tenant rps", func(c *Config) { c.TenantRPS = 0 }},
		{"zero tenant burst", func(c *Config) { c.TenantBurst = 0 }},
		{"zero apikey rps", func(c *Config) { c.APIKeyRPS = 0 }},
		{"zero provider timeout", func(c *Config) { c.ProviderTimeoutSecs = 0 }},
		{"breaker pct too high", func(c *Config) { c.BreakerErrorPct = 101 }},
		{"breaker pct too low", func(c *Config) { c.BreakerErrorPct = 0 }},
		{"zero max models", func(c *Config) { c.MaxModels = 0 }},
		{"unknown strategy", func(c *Config) { c.DefaultStrategy = "cheapest" }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	for _, s := range []string{"round_robin", "capability_match"} {
		cfg := base()
		cfg.DefaultStrategy = s
		if err := cfg.Validate(); err != nil {
			t.Errorf("strategy %s rejected: %v", s, err)
		}
	}
}

func TestLoadConfig_InvalidFails(t *testing.T) {
	t.Setenv("LLMROUTER_DEFAULT_STRATEGY", "cheapest")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
