package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tgbridge/pkg/channel"
	"tgbridge/pkg/channel/telegram"
	"tgbridge/pkg/config"
	"tgbridge/pkg/gateway"
	"tgbridge/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bridge",
	Long:  "Runs the Telegram bridge with health, readiness and status endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := appLogger.With("component", "cmd.serve")

		adapter, err := telegramAdapter(cfg, appLogger)
		if err != nil {
			return err
		}

		b, err := buildBridge(cfg, adapter.Fetcher(), appLogger)
		if err != nil {
			return err
		}
		defer b.events.Close()

		adapters := []channel.Adapter{adapter}
		svc, err := gateway.NewService(cfg.Gateway, adapters, b.dispatcher.Handle, b.events, b.sessions, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Bridge started", "channels", enabledChannelNames(adapters), "agent_backend", cfg.Agent.AgentBackend(), "user_must_evaluate", cfg.Dialog.UserMustEvaluate)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Bridge runtime failed", "error", err)
			return err
		}

		log.Info("Bridge stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func telegramAdapter(cfg *config.Config, log *slog.Logger) (*telegram.Adapter, error) {
	if !cfg.Channels.Telegram.Enabled {
		return nil, errors.New("no channels are enabled: set channels.telegram.enabled")
	}

	adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("configure telegram channel: %w", err)
	}

	return adapter, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
