package auth

import "testing"

func TestConfigFromEnvDefaultsToDev(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.SessionCookieName != "runplane_session" {
		t.Fatalf("SessionCookieName=%q", cfg.SessionCookieName)
	}
}

func TestConfigFromEnvRejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "basic")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected mode rejection")
	}
}

func TestConfigOIDCRequiresIssuer(t *testing.T) {
	t.Setenv("AUTH_MODE", "oidc")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected OIDC_ISSUER_URL requirement")
	}
}
