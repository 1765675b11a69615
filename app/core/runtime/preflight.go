package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	config "lembra/app/configs"
	"lembra/app/core/queue"
)

// RunPreflight fails on settings or resources the service cannot start
// without. Softer problems come from config.Audit and are only reported.
func RunPreflight(ctx context.Context, cfg config.Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := checkSQLiteWritable(cfg.Store.DataDir); err != nil {
		return fmt.Errorf("sqlite check failed: %w", err)
	}
	if cfg.Queue.Backend == "redis" {
		if err := checkRedis(ctx, cfg.Queue); err != nil {
			return fmt.Errorf("redis check failed: %w", err)
		}
	}
	return nil
}

func ValidateConfig(cfg config.Config) error {
	var errs []error
	if cfg.Closure.IdleDelaySec <= 0 {
		errs = append(errs, fmt.Errorf("closure.idle_delay_sec must be > 0"))
	}
	if cfg.Closure.SweepIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("closure.sweep_interval_sec must be > 0"))
	}
	if cfg.Closure.SweepTimeoutSec > cfg.Closure.SweepIntervalSec {
		errs = append(errs, fmt.Errorf("closure.sweep_timeout_sec must not exceed closure.sweep_interval_sec"))
	}
	if cfg.Closure.JobAttempts <= 0 {
		errs = append(errs, fmt.Errorf("closure.job_attempts must be > 0"))
	}
	switch cfg.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue.backend is invalid: %s", cfg.Queue.Backend))
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port is out of range: %d", cfg.HTTP.Port))
	}
	if cfg.Agent.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_candidates must be > 0"))
	}
	if cfg.Telegram.BotToken == "" && cfg.WhatsApp.Token == "" {
		errs = append(errs, fmt.Errorf("no channel configured: set telegram.bot_token or whatsapp.token"))
	}
	return errors.Join(errs...)
}

func checkSQLiteWritable(dataDir string) error {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		return fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probePath := filepath.Join(dir, ".lembra-preflight-write-check")
	f, err := os.OpenFile(probePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString("ok\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(probePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func checkRedis(ctx context.Context, cfg config.QueueConfig) error {
	client := queue.NewRedisClient(queue.RedisOptions{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		TLS:         cfg.RedisTLS,
		DialTimeout: 2 * time.Second,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// Report is the outcome of a preflight run, shaped for printing.
type Report struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func Evaluate(ctx context.Context, cfg config.Config) Report {
	report := Report{Passed: true}
	if err := RunPreflight(ctx, cfg); err != nil {
		report.Passed = false
		for _, line := range strings.Split(err.Error(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				report.Failures = append(report.Failures, line)
			}
		}
	}
	for _, w := range config.Audit(cfg) {
		report.Warnings = append(report.Warnings, w.Error())
	}
	return report
}
