package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tgbridge/pkg/config"
)

// Version is set at build time via -ldflags "-X tgbridge/cmd.Version=v1.0.0".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tgbridge",
	Short: "Telegram bridge for dialog agents",
	Long:  "tgbridge connects Telegram users to a conversational agent: it runs the dialog lifecycle, re-hosts media on the file relay, and collects ratings.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tgbridge %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $TGBRIDGE_CONFIG, ./config.json or ./config/config.json)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(cfgFile); path != "" {
		return config.LoadFile(path)
	}

	return config.LoadConfig()
}
