package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "hookvault/cmd/hookvault/docs"
	"hookvault/internal/config"
	"hookvault/internal/constants"
	"hookvault/internal/logger"
	"hookvault/internal/signature"
	"hookvault/pkg/logging"
)

var (
	configFile string
)

// @title           hookvault API
// @version         1.0
// @description     Receives signed webhooks, processes each event exactly once and exposes the audit trail.

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookvault",
		Short: "Webhook ingestion and processing service",
		Long:  "hookvault verifies provider webhooks, stores every event once and runs its handlers with retries",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), signCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, logger.Logger, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName(constants.ServiceName)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver, query API and retry scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLogTo(cmd.ErrOrStderr(), constants.ServiceName))
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting hookvault")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
				defer cancelShutdown()
				_ = app.Shutdown(shutdownCtx)
				return err
			}

			runErr := app.Run(ctx)
			if runErr != nil && runErr != context.Canceled {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancelShutdown()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.ErrorwCtx(shutdownCtx, "Shutdown error", "error", err)
				return err
			}
			if runErr != nil && runErr != context.Canceled {
				return runErr
			}
			log.InfowCtx(shutdownCtx, "Shutdown complete")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations for the configured store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLogTo(cmd.ErrOrStderr(), constants.ServiceName))
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return Migrate(ctx, cfg, log)
		},
	}
}

func signCmd() *cobra.Command {
	var (
		provider string
		secret   string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signature header for a payload, for replaying deliveries by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := signature.ParseProvider(provider)
			if p == signature.Unknown {
				return fmt.Errorf("unknown provider %q, expected one of %v", provider, signature.Known())
			}
			if secret == "" {
				secret = os.Getenv("WEBHOOK_SECRET")
			}

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Header(), signature.Sign(p, payload, secret, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider whose scheme to use (stripe, github, patreon, generic)")
	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret (defaults to WEBHOOK_SECRET)")
	cmd.Flags().StringVar(&file, "file", "-", "Payload file, - for stdin")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}
