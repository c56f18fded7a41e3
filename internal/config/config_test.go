package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadNumericValues(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT_MS", "not-a-number")
	t.Setenv("RECONCILE_INTERVAL_MINUTES", "-5")

	cfg := Load()
	if cfg.LockTimeoutMillis != 3000 {
		t.Fatalf("expected lock timeout fallback 3000, got %d", cfg.LockTimeoutMillis)
	}
	if cfg.ReconcileIntervalMinutes != 0 {
		t.Fatalf("expected reconcile interval fallback 0, got %d", cfg.ReconcileIntervalMinutes)
	}
}
