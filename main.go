package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "lembra/app/configs"
	"lembra/app/core/interaction/cli"
	"lembra/app/core/interaction/telegram"
	"lembra/app/core/orchestrator/closure"
	"lembra/app/core/runtime"
	"lembra/app/pkg/logger"
)

var version = "dev"

var (
	configPath string
	verbose    bool

	cfg config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lembra",
	Short: "Lembra - save-it-for-later chat bot",
	Long: `Lembra receives chat messages from Telegram and WhatsApp, keeps one
conversation per user and saves movies, videos, links and notes.

Run without arguments to serve the webhooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		mgr, err := config.NewManager(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = mgr.Get()
		log, err = logger.Init(logger.Options{Dir: cfg.Logging.Dir, Level: cfg.Logging.Level, Verbose: verbose})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve webhooks, the close queue and the backup sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the close sweep and the awaiting-state expiry once",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := build(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()
		var errs []error
		for _, name := range []string{closure.SweepJobName, closure.ExpireJobName} {
			if err := app.jobs.Trigger(cmd.Context(), name); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

var webhookCmd = &cobra.Command{
	Use:   "telegram-webhook <url>",
	Short: "Point the Telegram bot at the given webhook URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token is not configured")
		}
		ch := telegram.NewChannel(telegram.Config{
			BotToken:      cfg.Telegram.BotToken,
			WebhookSecret: cfg.Telegram.WebhookSecret,
			APIRoot:       cfg.Telegram.APIRoot,
		})
		if err := ch.SetWebhook(cmd.Context(), args[0]); err != nil {
			return err
		}
		log.Info("telegram webhook set", zap.String("url", args[0]))
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the bot from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := build(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.queue.Start(cmd.Context(), app.closer.HandleFired); err != nil {
			return fmt.Errorf("start close queue: %w", err)
		}
		defer func() { _ = app.queue.Stop(5 * time.Second) }()

		who, _ := cmd.Flags().GetString("as")
		return cli.NewConsole(app.users, app.engine, who, cmd.InOrStdin(), cmd.OutOrStdout()).Run(cmd.Context())
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Validate the config and check the store and queue are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := runtime.Evaluate(cmd.Context(), cfg)
		payload, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		if !report.Passed {
			return fmt.Errorf("preflight failed")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "lembra", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	chatCmd.Flags().String("as", "local_user", "Console account id")
	rootCmd.AddCommand(serveCmd, sweepCmd, chatCmd, webhookCmd, preflightCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serve runs the HTTP gateway, the close queue and the interval sweeps
// until the context is canceled.
func serve(ctx context.Context) error {
	if err := runtime.RunPreflight(ctx, cfg); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	for _, w := range config.Audit(cfg) {
		log.Warn("config audit", zap.Error(w))
	}

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.gateway.Start(gctx)
	})
	g.Go(func() error {
		if err := app.queue.Start(gctx, app.closer.HandleFired); err != nil {
			return fmt.Errorf("start close queue: %w", err)
		}
		<-gctx.Done()
		return app.queue.Stop(5 * time.Second)
	})
	g.Go(func() error {
		if err := app.jobs.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-gctx.Done()
		return app.jobs.Stop(5 * time.Second)
	})

	log.Info("lembra started",
		zap.String("version", version),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("port", cfg.HTTP.Port))
	err = g.Wait()
	log.Info("lembra stopped", zap.Error(err))
	return err
}
