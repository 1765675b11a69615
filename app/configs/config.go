package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Store    StoreConfig    `yaml:"store"`
	Closure  ClosureConfig  `yaml:"closure"`
	Queue    QueueConfig    `yaml:"queue"`
	Planner  PlannerConfig  `yaml:"planner"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AgentConfig struct {
	Name string `yaml:"name"`
	// HistoryLimit bounds the messages handed to the planner and used by save_previous.
	HistoryLimit  int `yaml:"history_limit"`
	MaxCandidates int `yaml:"max_candidates"`
}

type StoreConfig struct {
	DataDir              string `yaml:"data_dir"`
	MessageRetentionDays int    `yaml:"message_retention_days"`
}

type ClosureConfig struct {
	IdleDelaySec           int `yaml:"idle_delay_sec"`
	ConfirmationTimeoutSec int `yaml:"confirmation_timeout_sec"`
	SweepIntervalSec       int `yaml:"sweep_interval_sec"`
	SweepTimeoutSec        int `yaml:"sweep_timeout_sec"`
	JobAttempts            int `yaml:"job_attempts"`
	JobBackoffMs           int `yaml:"job_backoff_ms"`
}

type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend           string `yaml:"backend"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
	RedisTLS          bool   `yaml:"redis_tls"`
	KeyPrefix         string `yaml:"key_prefix"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	AttemptTimeoutSec int    `yaml:"attempt_timeout_sec"`
}

type PlannerConfig struct {
	// Providers lists planner backends in fallback order.
	Providers       []string `yaml:"providers"`
	TimeoutSec      int      `yaml:"timeout_sec"`
	ChoiceHeuristic bool     `yaml:"choice_heuristic"`
	GeminiAPIKey    string   `yaml:"gemini_api_key"`
	GeminiModel     string   `yaml:"gemini_model"`
	OpenAIAPIKey    string   `yaml:"openai_api_key"`
	OpenAIModel     string   `yaml:"openai_model"`
	OpenAIBaseURL   string   `yaml:"openai_base_url"`
}

type CatalogConfig struct {
	TMDBAPIKey string `yaml:"tmdb_api_key"`
	Language   string `yaml:"language"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	APIRoot       string `yaml:"api_root"`
}

type WhatsAppConfig struct {
	Token         string `yaml:"token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	AppSecret     string `yaml:"app_secret"`
	VerifyToken   string `yaml:"verify_token"`
	APIRoot       string `yaml:"api_root"`
}

type HTTPConfig struct {
	Port               int `yaml:"port"`
	TurnTimeoutSec     int `yaml:"turn_timeout_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

func (c ClosureConfig) IdleDelay() time.Duration {
	return time.Duration(c.IdleDelaySec) * time.Second
}

func (c ClosureConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSec) * time.Second
}

func (c ClosureConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c ClosureConfig) JobBackoff() time.Duration {
	return time.Duration(c.JobBackoffMs) * time.Millisecond
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.yaml")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// Get returns the file config with environment overrides applied. Secrets
// taken from the environment are never written back to disk.
func (m *Manager) Get() Config {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	cfg.Planner.Providers = append([]string(nil), cfg.Planner.Providers...)
	applyEnv(&cfg, os.LookupEnv)
	return cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}

func defaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "Lembra"
	}
	if cfg.Agent.HistoryLimit <= 0 {
		cfg.Agent.HistoryLimit = 10
	}
	if cfg.Agent.MaxCandidates <= 0 {
		cfg.Agent.MaxCandidates = 3
	}
	if strings.TrimSpace(cfg.Store.DataDir) == "" {
		cfg.Store.DataDir = filepath.Join("output", "db")
	}
	if cfg.Store.MessageRetentionDays <= 0 {
		cfg.Store.MessageRetentionDays = 90
	}

	if cfg.Closure.IdleDelaySec <= 0 {
		cfg.Closure.IdleDelaySec = 3 * 60
	}
	if cfg.Closure.ConfirmationTimeoutSec <= 0 {
		cfg.Closure.ConfirmationTimeoutSec = 30 * 60
	}
	if cfg.Closure.SweepIntervalSec <= 0 {
		cfg.Closure.SweepIntervalSec = 60
	}
	if cfg.Closure.SweepTimeoutSec <= 0 {
		cfg.Closure.SweepTimeoutSec = 20
	}
	if cfg.Closure.JobAttempts <= 0 {
		cfg.Closure.JobAttempts = 3
	}
	if cfg.Closure.JobBackoffMs <= 0 {
		cfg.Closure.JobBackoffMs = 5000
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Backend)) {
	case "memory", "redis":
		cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	default:
		cfg.Queue.Backend = "memory"
	}
	if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		cfg.Queue.RedisAddr = "localhost:6379"
	}
	if strings.TrimSpace(cfg.Queue.KeyPrefix) == "" {
		cfg.Queue.KeyPrefix = "lembra:close-conversation"
	}
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 500
	}
	if cfg.Queue.AttemptTimeoutSec <= 0 {
		cfg.Queue.AttemptTimeoutSec = 10
	}

	if len(cfg.Planner.Providers) == 0 {
		cfg.Planner.Providers = []string{"gemini", "openai"}
	}
	if cfg.Planner.TimeoutSec <= 0 {
		cfg.Planner.TimeoutSec = 25
	}
	if strings.TrimSpace(cfg.Planner.GeminiModel) == "" {
		cfg.Planner.GeminiModel = "gemini-2.5-flash"
	}
	if strings.TrimSpace(cfg.Planner.OpenAIModel) == "" {
		cfg.Planner.OpenAIModel = "gpt-4o-mini"
	}

	if strings.TrimSpace(cfg.Catalog.Language) == "" {
		cfg.Catalog.Language = "pt-BR"
	}
	if cfg.Catalog.TimeoutSec <= 0 {
		cfg.Catalog.TimeoutSec = 8
	}

	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.TurnTimeoutSec <= 0 {
		cfg.HTTP.TurnTimeoutSec = 60
	}
	if cfg.HTTP.ShutdownTimeoutSec <= 0 {
		cfg.HTTP.ShutdownTimeoutSec = 5
	}

	if strings.TrimSpace(cfg.Logging.Dir) == "" {
		cfg.Logging.Dir = filepath.Join("output", "logs")
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	str(&cfg.Planner.GeminiAPIKey, "LEMBRA_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	str(&cfg.Planner.OpenAIAPIKey, "LEMBRA_OPENAI_API_KEY", "OPENAI_API_KEY")
	str(&cfg.Planner.OpenAIBaseURL, "LEMBRA_OPENAI_BASE_URL", "OPENAI_BASE_URL")
	str(&cfg.Catalog.TMDBAPIKey, "LEMBRA_TMDB_API_KEY", "TMDB_API_KEY")
	str(&cfg.Telegram.BotToken, "LEMBRA_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	str(&cfg.Telegram.WebhookSecret, "LEMBRA_TELEGRAM_WEBHOOK_SECRET", "TELEGRAM_WEBHOOK_SECRET")
	str(&cfg.WhatsApp.Token, "LEMBRA_WHATSAPP_TOKEN", "WHATSAPP_TOKEN")
	str(&cfg.WhatsApp.PhoneNumberID, "LEMBRA_WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_PHONE_NUMBER_ID")
	str(&cfg.WhatsApp.AppSecret, "LEMBRA_WHATSAPP_APP_SECRET", "WHATSAPP_APP_SECRET")
	str(&cfg.WhatsApp.VerifyToken, "LEMBRA_WHATSAPP_VERIFY_TOKEN", "WHATSAPP_VERIFY_TOKEN")
	str(&cfg.Queue.RedisAddr, "LEMBRA_REDIS_ADDR", "REDIS_ADDR")
	str(&cfg.Queue.RedisPassword, "LEMBRA_REDIS_PASSWORD", "REDIS_PASSWORD")
	str(&cfg.Queue.Backend, "LEMBRA_QUEUE_BACKEND")

	if v, ok := lookup("LEMBRA_HTTP_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && port > 0 {
			cfg.HTTP.Port = port
		}
	}
	if v, ok := lookup("LEMBRA_REDIS_TLS"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Queue.RedisTLS = b
		}
	}
}
