// Command avida-bridge runs the engine message bridge and its tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devosoft/avida-bridge/pkg/config"
	"github.com/devosoft/avida-bridge/pkg/logger"
)

var (
	version = "dev"
	commit  = ""
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "avida-bridge",
	Short:         "Message bridge between a simulation engine and its consumers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		if cmd.Flags().Changed("json-logs") {
			loaded.Log.JSON = jsonLogs
		}
		if err := logger.Configure(logger.Options{Level: loaded.Log.Level, JSON: loaded.Log.JSON}); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		if commit != "" {
			fmt.Printf("avida-bridge %s (%s)\n", version, commit)
			return
		}
		fmt.Printf("avida-bridge %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BRIDGE_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines")

	rootCmd.AddCommand(serveCmd, consoleCmd, engineCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
