package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MAX_CONCURRENT_BATTLES", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %s, want 8080", cfg.Server.Port)
	}
	if cfg.Matchmaking.MaxConcurrent != 10 {
		t.Errorf("max concurrent = %d, want 10", cfg.Matchmaking.MaxConcurrent)
	}
	if cfg.Matchmaking.AdmissionThreshold != 0.3 {
		t.Errorf("threshold = %v, want 0.3", cfg.Matchmaking.AdmissionThreshold)
	}
	if cfg.Battle.Denom != "USDC" {
		t.Errorf("denom = %s, want USDC", cfg.Battle.Denom)
	}
	if cfg.Battle.PlatformFeePct != "0.05" || cfg.Battle.LoserRefundPct != "0.10" {
		t.Errorf("settlement rates = %s/%s, want 0.05/0.10",
			cfg.Battle.PlatformFeePct, cfg.Battle.LoserRefundPct)
	}

	if cfg.TickInterval() != 3*time.Second {
		t.Errorf("tick interval = %v, want 3s", cfg.TickInterval())
	}
	if cfg.AvoidWindow() != 24*time.Hour {
		t.Errorf("avoid window = %v, want 24h", cfg.AvoidWindow())
	}
	if cfg.BattleDuration() != 300*time.Second {
		t.Errorf("battle duration = %v, want 5m", cfg.BattleDuration())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MAX_CONCURRENT_BATTLES", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: "9090"
matchmaking:
  tick_interval_seconds: 5
  admission_threshold: 0.5
battle:
  duration_seconds: 120
  denom: SOL
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %s, want 9090", cfg.Server.Port)
	}
	if cfg.Matchmaking.AdmissionThreshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", cfg.Matchmaking.AdmissionThreshold)
	}
	if cfg.BattleDuration() != 2*time.Minute {
		t.Errorf("duration = %v, want 2m", cfg.BattleDuration())
	}
	if cfg.Battle.Denom != "SOL" {
		t.Errorf("denom = %s, want SOL", cfg.Battle.Denom)
	}
	// Unset values still default.
	if cfg.Matchmaking.MaxConcurrent != 10 {
		t.Errorf("max concurrent = %d, want default 10", cfg.Matchmaking.MaxConcurrent)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("MAX_CONCURRENT_BATTLES", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("port = %s, want env override 7000", cfg.Server.Port)
	}
	if cfg.Matchmaking.MaxConcurrent != 4 {
		t.Errorf("max concurrent = %d, want env override 4", cfg.Matchmaking.MaxConcurrent)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"threshold above one", "matchmaking:\n  admission_threshold: 1.5\n"},
		{"negative concurrency", "matchmaking:\n  max_concurrent_battles: -1\n"},
		{"negative duration", "battle:\n  duration_seconds: -10\n"},
		{"negative tick interval", "matchmaking:\n  tick_interval_seconds: -3\n"},
		{"negative lifecycle poll", "battle:\n  lifecycle_poll_seconds: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("invalid config accepted")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing explicit config file accepted")
	}
}
