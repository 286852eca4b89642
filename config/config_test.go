package config

import "testing"

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg := Load()

	if cfg.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %q", cfg.Addr)
	}
	if cfg.BearerKeyPrefix != "gw_" {
		t.Errorf("expected default bearer prefix gw_, got %q", cfg.BearerKeyPrefix)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("expected default allowed origins [*], got %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9090")
	t.Setenv("MAX_DISPATCH_RETRIES", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := Load()

	if cfg.Addr != ":9090" {
		t.Errorf("expected overridden addr :9090, got %q", cfg.Addr)
	}
	if cfg.MaxDispatchRetries != 5 {
		t.Errorf("expected overridden max retries 5, got %d", cfg.MaxDispatchRetries)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("expected two parsed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestIsDevelopmentAndIsProduction(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Fatal("expected development env to report IsDevelopment true, IsProduction false")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() || !cfg.IsProduction() {
		t.Fatal("expected production env to report IsProduction true, IsDevelopment false")
	}
}
