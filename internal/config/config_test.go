package config

import "testing"

func TestLoadDoesNotInjectWeakSecretDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("CRON_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("AUTH_SECRET must stay empty when unset, got %q", cfg.AuthSecret)
	}
	if cfg.CronSecret != "" {
		t.Fatalf("CRON_SECRET must stay empty when unset, got %q", cfg.CronSecret)
	}
}

func TestLoadTrimsSecrets(t *testing.T) {
	t.Setenv("AUTH_SECRET", "  spaced-out-secret  ")

	cfg := Load()
	if cfg.AuthSecret != "spaced-out-secret" {
		t.Fatalf("expected trimmed secret, got %q", cfg.AuthSecret)
	}
}

func TestLoadAppliesDurationsAndDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RESERVATION_TTL_MINUTES", "")
	t.Setenv("RESERVATION_SWEEP_SECONDS", "not-a-number")
	t.Setenv("AVAILABILITY_TTL_SECONDS", "-5")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.ReservationTTLMinutes != 15 {
		t.Fatalf("expected default reservation TTL, got %d", cfg.ReservationTTLMinutes)
	}
	if cfg.SweepIntervalSeconds != 60 {
		t.Fatalf("malformed sweep interval must fall back, got %d", cfg.SweepIntervalSeconds)
	}
	if cfg.AvailabilityTTLSeconds != 30 {
		t.Fatalf("negative availability TTL must fall back, got %d", cfg.AvailabilityTTLSeconds)
	}

	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
