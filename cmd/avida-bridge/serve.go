package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devosoft/avida-bridge/pkg/api"
	"github.com/devosoft/avida-bridge/pkg/bridge"
	"github.com/devosoft/avida-bridge/pkg/enginesim"
	"github.com/devosoft/avida-bridge/pkg/logger"
)

var (
	servePort int
	serveDemo bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge gateway",
	Long: `Start the bridge gateway.

Consumers connect over WebSocket at /api/ws and announce a role with their
first message. An out-of-process engine pulls commands from and posts output
to /api/engine/messages. With --demo a simulated engine runs in-process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override gateway.port")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "run the simulated engine in-process")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if cmd.Flags().Changed("demo") {
		cfg.Engine.Demo = serveDemo
	}

	hub := api.NewDiagnosticsHub()
	b, err := bridge.New(cfg, bridge.WithSink("hub", hub))
	if err != nil {
		return fmt.Errorf("build bridge: %w", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg, b, hub)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	engineDone := make(chan error, 1)
	if cfg.Engine.Demo {
		eng := enginesim.New(b, enginesim.Options{
			PollInterval: cfg.Engine.PollInterval,
			MaxUpdates:   cfg.Engine.MaxUpdates,
		})
		go func() { engineDone <- eng.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.InfoC("serve", "Shutting down")
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("demo engine: %w", err)
		}
		logger.InfoC("serve", "Demo engine exited, shutting down")
	}
	return nil
}
