// Package cmd defines and implements the CLI commands for the foolvault
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hexpair/foolvault/internal/app"
	"github.com/hexpair/foolvault/internal/config"
)

var (
	cfgFile string
	devMode bool
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory, a variable so tests can swap in a mock.
var newApp = func() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if devMode {
		cfg.Logging.Development = true
	}
	return app.New(cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foolvault",
		Short: "An incremental multi-source board archiver.",
		Long: `foolvault builds a complete, gapless archive of one board by walking
post numbers in bounded windows, reconciling every number across a priority
chain of archive mirrors, and emitting immutable newline-delimited JSON
chunk files with crash-safe checkpointing.`,

		// Runs after flags are parsed but before the subcommand's RunE; the
		// right place to build and inject the application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp()
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults apply when omitted)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "force development logging")

	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newUpgradeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT/SIGTERM cancel the command
// context so an in-flight run aborts without committing.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
