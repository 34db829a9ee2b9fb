package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "7080" {
		t.Errorf("port: got %q", cfg.Port)
	}
	if cfg.StoreType != "memory" {
		t.Errorf("store type: got %q", cfg.StoreType)
	}
	if cfg.LogSource {
		t.Error("log source should default off")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_SOURCE", "true")
	t.Setenv("ENGINE_MAX_STEPS_PER_CLAIM", "3")
	t.Setenv("SEND_RATE_RPS", "not-a-number")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("port: got %q", cfg.Port)
	}
	if !cfg.LogSource {
		t.Error("LOG_SOURCE=true not applied")
	}
	if cfg.MaxStepsPerClaim != 3 {
		t.Errorf("max steps per claim: got %d", cfg.MaxStepsPerClaim)
	}
	// Unparseable values fall back to the default.
	if cfg.SendRateRPS != 50.0 {
		t.Errorf("send rate: got %v", cfg.SendRateRPS)
	}
}
