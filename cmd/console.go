package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tgbridge/pkg/channel"
	"tgbridge/pkg/channel/console"
	"tgbridge/pkg/gateway"
	"tgbridge/pkg/logger"
)

var (
	consoleUserID  string
	consoleLogFile string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the agent from the terminal",
	Long:  "Runs the same dialog flow as the Telegram bridge against a local terminal chat. Inline buttons are pressed with :<n>.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.Gateway.DisableStatusServer = true

		logOutput, closeLog, err := consoleLogOutput(consoleLogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		appLogger, err := logger.NewWithWriter(cfg.Logging, logOutput)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		b, err := buildBridge(cfg, console.Fetcher{}, appLogger)
		if err != nil {
			return err
		}
		defer b.events.Close()

		adapter := console.NewAdapter(resolveConsoleUser(consoleUserID), appLogger)
		svc, err := gateway.NewService(cfg.Gateway, []channel.Adapter{adapter}, b.dispatcher.Handle, b.events, b.sessions, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleUserID, "user", "", "user id sent to the agent (default: random console-<id>)")
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "append logs to this file instead of discarding them")
}

func resolveConsoleUser(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}

	return "console-" + uuid.NewString()[:8]
}

// consoleLogOutput keeps log lines off the terminal the chat UI draws on.
func consoleLogOutput(path string) (io.Writer, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return io.Discard, func() {}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return file, func() { _ = file.Close() }, nil
}
