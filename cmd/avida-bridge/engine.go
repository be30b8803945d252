package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devosoft/avida-bridge/pkg/enginesim"
)

var (
	engineURL       string
	engineToken     string
	engineAutoStart bool
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the simulated engine against a remote bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		if engineURL == "" {
			engineURL = "http://" + cfg.Addr()
		}
		if engineToken == "" {
			engineToken = cfg.Gateway.APIKey
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng := enginesim.New(enginesim.NewHTTPPort(engineURL, engineToken), enginesim.Options{
			PollInterval: cfg.Engine.PollInterval,
			MaxUpdates:   cfg.Engine.MaxUpdates,
			AutoStart:    engineAutoStart,
		})
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	engineCmd.Flags().StringVar(&engineURL, "url", "", "gateway base URL (default from config)")
	engineCmd.Flags().StringVar(&engineToken, "token", "", "API key (default gateway.api_key)")
	engineCmd.Flags().BoolVar(&engineAutoStart, "autostart", false, "start running without waiting for runPause")
}
