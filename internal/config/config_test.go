package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RACE_ADDR", "")
	t.Setenv("RACE_ALLOWED_ORIGINS", "")
	t.Setenv("RACE_PLAYER_COUNT", "")
	t.Setenv("RACE_MAX_LAPS", "")
	t.Setenv("RACE_CLASSIFICATION_LAP", "")
	t.Setenv("RACE_TELEGRAM_CHATS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Race.PlayerCount != DefaultPlayerCount || cfg.Race.MaxLaps != DefaultMaxLaps {
		t.Fatalf("unexpected race defaults: %+v", cfg.Race)
	}
	if cfg.Race.ClassificationLap {
		t.Fatalf("classification lap should be off by default")
	}
	if cfg.Race.Checkpoints != 6 {
		t.Fatalf("expected 6 checkpoints, got %d", cfg.Race.Checkpoints)
	}
	if cfg.Sync.InterpolationDelay != 10*time.Millisecond {
		t.Fatalf("expected 10ms interpolation delay, got %v", cfg.Sync.InterpolationDelay)
	}
	if cfg.Sync.ExtrapolationLimit != 500*time.Millisecond {
		t.Fatalf("expected 500ms extrapolation limit, got %v", cfg.Sync.ExtrapolationLimit)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RACE_ADDR", "127.0.0.1:9000")
	t.Setenv("RACE_GRPC_ADDR", "")
	t.Setenv("RACE_ALLOWED_ORIGINS", "https://kart.example, https://lan.local")
	t.Setenv("RACE_PLAYER_COUNT", "4")
	t.Setenv("RACE_MAX_LAPS", "5")
	t.Setenv("RACE_CLASSIFICATION_LAP", "true")
	t.Setenv("RACE_COUNTDOWN", "5s")
	t.Setenv("RACE_INTERPOLATION_DELAY", "0s")
	t.Setenv("RACE_REPLAY_DIR", "")
	t.Setenv("RACE_REPLAY_KEEP", "0")
	t.Setenv("RACE_ADMIN_TOKEN", " secret ")
	t.Setenv("RACE_RACER_SECRET", " paddock ")
	t.Setenv("RACE_TELEGRAM_TOKEN", "token")
	t.Setenv("RACE_TELEGRAM_CHATS", "12, -34")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.GRPCAddress != "" {
		t.Fatalf("expected explicit empty grpc address to disable the stream, got %q", cfg.GRPCAddress)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://lan.local" {
		t.Fatalf("unexpected origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.Race.PlayerCount != 4 || cfg.Race.MaxLaps != 5 || !cfg.Race.ClassificationLap {
		t.Fatalf("unexpected race overrides: %+v", cfg.Race)
	}
	if cfg.Race.Countdown != 5*time.Second {
		t.Fatalf("unexpected countdown: %v", cfg.Race.Countdown)
	}
	if cfg.Sync.InterpolationDelay != 0 {
		t.Fatalf("expected zero interpolation delay, got %v", cfg.Sync.InterpolationDelay)
	}
	if cfg.Storage.ReplayDir != "" {
		t.Fatalf("expected replay recording disabled, got %q", cfg.Storage.ReplayDir)
	}
	if cfg.Storage.ReplayKeep != 0 {
		t.Fatalf("expected unlimited replay retention, got %d", cfg.Storage.ReplayKeep)
	}
	if cfg.AdminToken != "secret" {
		t.Fatalf("unexpected admin token %q", cfg.AdminToken)
	}
	if cfg.RacerSecret != "paddock" {
		t.Fatalf("unexpected racer secret %q", cfg.RacerSecret)
	}
	if len(cfg.Notify.TelegramChats) != 2 || cfg.Notify.TelegramChats[1] != -34 {
		t.Fatalf("unexpected chats: %#v", cfg.Notify.TelegramChats)
	}
}

func TestLoadCollectsProblems(t *testing.T) {
	t.Setenv("RACE_PLAYER_COUNT", "zero")
	t.Setenv("RACE_MAX_LAPS", "-1")
	t.Setenv("RACE_COUNTDOWN", "soon")
	t.Setenv("RACE_CHECKPOINTS", "2")
	t.Setenv("RACE_TELEGRAM_TOKEN", "")
	t.Setenv("RACE_TELEGRAM_CHATS", "42")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for invalid overrides")
	}
	//1.- Every invalid key is reported in one error.
	for _, key := range []string{"RACE_PLAYER_COUNT", "RACE_MAX_LAPS", "RACE_COUNTDOWN", "RACE_CHECKPOINTS", "RACE_TELEGRAM_TOKEN"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %v", key, err)
		}
	}
}
