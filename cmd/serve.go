package cmd

import (
	"context"
	"fmt"
	"time"

	"intelvault/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the REST and WebSocket API, the feed scheduler and the background job workers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Serve(configFile)
		},
	}
}

// Serve runs the server until a shutdown signal arrives.
func Serve(configPath string) error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}

	if err := app.Start(ctx); err != nil {
		shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	waitErr := app.WaitForShutdown()
	shutdown()
	if waitErr != nil {
		return fmt.Errorf("server stopped: %w", waitErr)
	}
	return nil
}
