// Package cmd defines and implements the CLI commands for the distcrawl
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/distcrawl/internal/app"
	"github.com/JakeFAU/distcrawl/internal/config"
)

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
)

// servicesAnnotation marks commands that need the shared services. Its
// value is the role stamped on emitted events.
const servicesAnnotation = "distcrawl/services"

// newApp is the application factory. It's a variable so tests can build
// the services against a private metrics registry.
var newApp = func(ctx context.Context, cfg config.Config, role string) (*app.App, error) {
	return app.Build(ctx, cfg, app.Options{Role: role})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "distcrawl",
		Short: "A distributed web crawler and tiered inverted-index builder.",
		Long: `distcrawl runs the roles of a distributed crawl. The coordinator hosts the
scheduler, which keeps the URL frontier and enforces politeness, the indexer,
which turns fetched pages into shards and dictionary tiers, and the HTTP
endpoint fetchers talk to. Fetchers run anywhere and only need the endpoint
URL and the shared secret.`,
		SilenceUsage: true,

		// Loads config for every subcommand and, for the ones that ask for
		// it, builds the shared services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if role, ok := cmd.Annotations[servicesAnnotation]; ok {
				a, err := newApp(ctx, cfg, role)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, a)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				return a.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file; DISTCRAWL_* environment variables override it")

	cmd.AddCommand(
		newCoordinatorCmd(),
		newServerCmd(),
		newSchedulerCmd(),
		newIndexerCmd(),
		newFetcherCmd(),
		newSuperviseCmd(),
		newCrawlCmd(),
		newInspectCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "distcrawl:", err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// withServices asks the root command to build the shared services for cmd.
// Cobra skips the post-run hook when RunE fails, so the services are closed
// here on that path.
func withServices(cmd *cobra.Command, role string) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[servicesAnnotation] = role
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		err := run(c, args)
		if err != nil {
			if a, ok := c.Context().Value(appKey).(*app.App); ok && a != nil {
				_ = a.Close(context.WithoutCancel(c.Context()))
			}
		}
		return err
	}
	return cmd
}
