package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	config "lembra/app/configs"
	"lembra/app/core/interaction/gateway"
	"lembra/app/core/interaction/telegram"
	"lembra/app/core/interaction/whatsapp"
	"lembra/app/core/orchestrator/catalog"
	"lembra/app/core/orchestrator/closure"
	"lembra/app/core/orchestrator/conversation"
	"lembra/app/core/orchestrator/db"
	"lembra/app/core/orchestrator/engine"
	"lembra/app/core/orchestrator/items"
	"lembra/app/core/orchestrator/planner"
	"lembra/app/core/orchestrator/tools"
	"lembra/app/core/orchestrator/users"
	"lembra/app/core/queue"
	"lembra/app/core/runtime"
	"lembra/app/core/scheduler"
)

// application holds the wired components of one process.
type application struct {
	db      *db.DB
	queue   queue.Delayed
	closer  *closure.Scheduler
	jobs    *scheduler.Scheduler
	users   *users.Store
	engine  *engine.Engine
	gateway *gateway.Server
	tracer  *gateway.JSONLTraceRecorder
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*application, error) {
	database, err := db.NewSQLiteDB(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("database ready", zap.String("path", database.Path()))

	convs := conversation.NewStore(database)
	itemStore := items.NewStore(database)
	userStore := users.NewStore(database)

	q := newQueue(cfg.Queue, log)
	closer := closure.New(convs, q, closure.Options{
		IdleDelay:           cfg.Closure.IdleDelay(),
		ConfirmationTimeout: cfg.Closure.ConfirmationTimeout(),
		JobAttempts:         cfg.Closure.JobAttempts,
		JobBackoff:          cfg.Closure.JobBackoff(),
		AttemptTimeout:      time.Duration(cfg.Queue.AttemptTimeoutSec) * time.Second,
	}, log)

	jobs := scheduler.New(log)
	for _, job := range closer.Jobs(cfg.Closure.SweepInterval(), time.Duration(cfg.Closure.SweepTimeoutSec)*time.Second) {
		if err := jobs.Register(job); err != nil {
			_ = database.Close()
			return nil, err
		}
	}
	if err := runtime.RegisterMaintenanceJobs(jobs, convs, runtime.MaintenanceOptions{
		Enabled:              true,
		MessageRetentionDays: cfg.Store.MessageRetentionDays,
	}, log); err != nil {
		_ = database.Close()
		return nil, err
	}

	var cat catalog.Catalog
	if cfg.Catalog.TMDBAPIKey != "" {
		cat = catalog.NewTMDB(catalog.TMDBOptions{
			APIKey:   cfg.Catalog.TMDBAPIKey,
			Language: cfg.Catalog.Language,
			Timeout:  time.Duration(cfg.Catalog.TimeoutSec) * time.Second,
		})
	} else {
		log.Warn("catalog disabled: no TMDB api key")
	}
	registry := tools.NewRegistry(itemStore, cat, log)

	chain := planner.NewChain(time.Duration(cfg.Planner.TimeoutSec)*time.Second, log, newPlanners(ctx, cfg.Planner, log)...)
	eng := engine.New(convs, closer, registry, chain, engine.Options{
		HistoryLimit:    cfg.Agent.HistoryLimit,
		MaxCandidates:   cfg.Agent.MaxCandidates,
		ChoiceHeuristic: cfg.Planner.ChoiceHeuristic,
		Tools:           registry.Specs(),
	}, log)

	gw := gateway.New(userStore, eng, gateway.Options{
		Port:            cfg.HTTP.Port,
		TurnTimeout:     time.Duration(cfg.HTTP.TurnTimeoutSec) * time.Second,
		ShutdownTimeout: time.Duration(cfg.HTTP.ShutdownTimeoutSec) * time.Second,
	}, log)
	if cfg.Telegram.BotToken != "" {
		gw.RegisterAdapter(telegram.NewChannel(telegram.Config{
			BotToken:      cfg.Telegram.BotToken,
			WebhookSecret: cfg.Telegram.WebhookSecret,
			APIRoot:       cfg.Telegram.APIRoot,
		}))
	}
	if cfg.WhatsApp.Token != "" {
		gw.RegisterAdapter(whatsapp.NewChannel(whatsapp.Config{
			Token:         cfg.WhatsApp.Token,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			AppSecret:     cfg.WhatsApp.AppSecret,
			VerifyToken:   cfg.WhatsApp.VerifyToken,
			APIRoot:       cfg.WhatsApp.APIRoot,
		}))
	}
	tracer, err := gateway.NewTraceRecorder(filepath.Join(cfg.Logging.Dir, "trace"))
	if err == nil {
		gw.SetTraceRecorder(tracer)
	} else {
		log.Warn("webhook trace disabled", zap.Error(err))
	}
	gw.SetStatusProvider(func(context.Context) map[string]interface{} {
		return map[string]interface{}{
			"queue_backend": cfg.Queue.Backend,
			"queue":         q.Stats(),
			"scheduler":     jobs.Health(),
			"jobs":          jobs.Snapshot(),
		}
	})

	return &application{
		db:      database,
		queue:   q,
		closer:  closer,
		jobs:    jobs,
		users:   userStore,
		engine:  eng,
		gateway: gw,
		tracer:  tracer,
	}, nil
}

func (a *application) Close() {
	if a.tracer != nil {
		_ = a.tracer.Close()
	}
	_ = a.db.Close()
}

func newQueue(cfg config.QueueConfig, log *zap.Logger) queue.Delayed {
	if cfg.Backend != "redis" {
		return queue.NewMemory(log)
	}
	opts := queue.RedisOptions{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		TLS:          cfg.RedisTLS,
		KeyPrefix:    cfg.KeyPrefix,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
	}
	return queue.NewRedis(queue.NewRedisClient(opts), opts, log)
}

// newPlanners builds the configured providers in fallback order. Providers
// without credentials are skipped.
func newPlanners(ctx context.Context, cfg config.PlannerConfig, log *zap.Logger) []planner.Planner {
	var out []planner.Planner
	for _, name := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gemini":
			if cfg.GeminiAPIKey == "" {
				log.Warn("planner provider skipped: missing api key", zap.String("provider", "gemini"))
				continue
			}
			p, err := planner.NewGemini(ctx, planner.GeminiOptions{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
			if err != nil {
				log.Warn("planner provider unavailable", zap.String("provider", "gemini"), zap.Error(err))
				continue
			}
			out = append(out, p)
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				log.Warn("planner provider skipped: missing api key", zap.String("provider", "openai"))
				continue
			}
			p, err := planner.NewOpenAI(planner.OpenAIOptions{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL})
			if err != nil {
				log.Warn("planner provider unavailable", zap.String("provider", "openai"), zap.Error(err))
				continue
			}
			out = append(out, p)
		default:
			log.Warn("unknown planner provider", zap.String("provider", name))
		}
	}
	return out
}
