package cli

import (
	"github.com/spf13/cobra"

	"github.com/thruflo/itinerant/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "itinerant",
	Short: "Follow itinerary generation jobs to completion",
	Long: `Itinerant follows a remote itinerary generation job over a push stream
(SSE or WebSocket) with status polling as a fallback, and reports smooth,
never-decreasing progress until the job completes or fails.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("itinerant version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
