package postgres

import "testing"

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.MaxOpenConns != 10 {
		t.Fatalf("MaxOpenConns=%d, want 10", cfg.MaxOpenConns)
	}
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "zero")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error for DATABASE_MAX_OPEN_CONNS")
	}
}

func TestConfigValidateIdleBound(t *testing.T) {
	cfg := Config{
		URL:          "postgres://localhost/runplane",
		PingTimeout:  1,
		MaxOpenConns: 2,
		MaxIdleConns: 5,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected idle > open rejection")
	}
}
