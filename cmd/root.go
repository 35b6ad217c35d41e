// Package cmd provides the intelvault command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"intelvault/bootstrap"
	"intelvault/config"
	"intelvault/feeds"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

const defaultTimeout = 5 * time.Minute

// NewRootCmd creates the intelvault command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "intelvault",
		Short: "Multi-tenant threat intelligence platform",
		Long: `intelvault stores indicators, threat actors, campaigns, reports and feeds
per tenant, enforces tenant quotas and streams changes to subscribers.

Run "intelvault serve" to start the API server. The other commands operate
directly on the configured storage and should not be run against a data
directory a server currently holds open.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(newServeCmd())
	root.AddCommand(newFeedsCmd())
	root.AddCommand(newTenantsCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// Execute runs the command tree against args.
func Execute(args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		errorColor.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

// initApp builds the application for an offline command. Logs go to stderr
// so stdout stays parseable. The returned cleanup closes storage.
func initApp(ctx context.Context) (*bootstrap.App, func(), error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app, err := bootstrap.NewAppWithConfig(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}
	return app, cleanup, nil
}

// syncerFor returns the app's scheduler, or a stand-alone one when the
// scheduler is disabled in config.
func syncerFor(app *bootstrap.App) (*feeds.Scheduler, error) {
	if app.Scheduler != nil {
		return app.Scheduler, nil
	}
	return feeds.NewScheduler(feeds.SchedulerConfig{
		Source:             app.Service,
		Poller:             feeds.NewHTTPPoller(&http.Client{Timeout: app.Config.Feeds.HTTPTimeout}, feeds.EnvCredentials),
		Logger:             app.Sugar,
		MaxConcurrentSyncs: 1,
		SyncTimeout:        app.Config.Feeds.SyncTimeout,
		Timezone:           app.Config.Feeds.Timezone,
	})
}

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
