package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a normalized copy of the built-in default config.
func DefaultConfig() Config {
	return defaultConfig()
}

// LoadConfigFile reads and normalizes a config file without mutating it on disk.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	applyEnv(&cfg, os.LookupEnv)
	return cfg, nil
}

// Audit reports settings that would leave the service half-wired. It does
// not fail on missing channel credentials; a channel without credentials is
// simply not registered.
func Audit(cfg Config) []error {
	var problems []error
	if cfg.Queue.Backend == "redis" && strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		problems = append(problems, fmt.Errorf("queue.redis_addr is required for the redis backend"))
	}
	if cfg.Closure.ConfirmationTimeoutSec < cfg.Closure.IdleDelaySec {
		problems = append(problems, fmt.Errorf("closure.confirmation_timeout_sec (%d) is shorter than closure.idle_delay_sec (%d)",
			cfg.Closure.ConfirmationTimeoutSec, cfg.Closure.IdleDelaySec))
	}
	for _, p := range cfg.Planner.Providers {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "gemini":
			if cfg.Planner.GeminiAPIKey == "" {
				problems = append(problems, fmt.Errorf("planner provider gemini has no api key"))
			}
		case "openai":
			if cfg.Planner.OpenAIAPIKey == "" {
				problems = append(problems, fmt.Errorf("planner provider openai has no api key"))
			}
		default:
			problems = append(problems, fmt.Errorf("unknown planner provider %q", p))
		}
	}
	if cfg.WhatsApp.Token != "" && cfg.WhatsApp.AppSecret == "" {
		problems = append(problems, fmt.Errorf("whatsapp.app_secret is required to verify webhook signatures"))
	}
	return problems
}
