package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	config "lembra/app/configs"
)

func TestRunPreflightPasses(t *testing.T) {
	cfg := validConfig(t)
	if err := RunPreflight(context.Background(), cfg); err != nil {
		t.Fatalf("expected preflight success, got %v", err)
	}
	entries, err := os.ReadDir(cfg.Store.DataDir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("probe file should be removed, found %d entries", len(entries))
	}
}

func TestRunPreflightRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Closure.IdleDelaySec = 0
	if err := RunPreflight(context.Background(), cfg); err == nil {
		t.Fatalf("expected preflight failure for invalid config")
	}
}

func TestRunPreflightRejectsMissingChannel(t *testing.T) {
	cfg := validConfig(t)
	cfg.Telegram.BotToken = ""
	if err := RunPreflight(context.Background(), cfg); err == nil {
		t.Fatalf("expected preflight failure without any channel")
	}
}

func TestRunPreflightRejectsUnwritableSQLitePath(t *testing.T) {
	cfg := validConfig(t)
	filePath := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(filePath, []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cfg.Store.DataDir = filepath.Join(filePath, "db")

	if err := RunPreflight(context.Background(), cfg); err == nil {
		t.Fatalf("expected preflight failure for unwritable sqlite path")
	}
}

func TestRunPreflightChecksRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := validConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisAddr = mr.Addr()

	if err := RunPreflight(context.Background(), cfg); err != nil {
		t.Fatalf("expected preflight success against live redis, got %v", err)
	}

	mr.Close()
	if err := RunPreflight(context.Background(), cfg); err == nil {
		t.Fatalf("expected preflight failure with redis down")
	}
}

func validConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DataDir = filepath.Join(t.TempDir(), "db")
	cfg.Telegram.BotToken = "123:abc"
	return cfg
}

func TestEvaluateCollectsFailuresAndWarnings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Closure.JobAttempts = 0
	cfg.Closure.SweepTimeoutSec = cfg.Closure.SweepIntervalSec + 1
	cfg.Planner.Providers = []string{"gemini"}

	report := Evaluate(context.Background(), cfg)
	if report.Passed {
		t.Fatalf("expected failed report")
	}
	if len(report.Failures) < 2 {
		t.Fatalf("expected one failure per invalid setting, got %v", report.Failures)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("expected audit warning for gemini without api key")
	}

	ok := Evaluate(context.Background(), validConfig(t))
	if !ok.Passed || len(ok.Failures) != 0 {
		t.Fatalf("expected passing report, got %+v", ok)
	}
}
