// Command ordersctl is the operator tool for the order ledger: it applies
// the schema, inspects orders and re-verifies pending ones with their
// payment provider.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onnwee/limestore/internal/bootstrap"
	"github.com/onnwee/limestore/internal/config"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp(os.Stdout)).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs. The hooks are swapped in tests.
type app struct {
	out        io.Writer
	configPath string
	verbose    bool

	loadConfig func(path string) (*config.Config, error)
	openStores func(ctx context.Context, cfg *config.Config) (*bootstrap.Stores, error)
}

func newApp(out io.Writer) *app {
	return &app{
		out:        out,
		loadConfig: loadConfig,
		openStores: func(ctx context.Context, cfg *config.Config) (*bootstrap.Stores, error) {
			return bootstrap.OpenStores(ctx, cfg, nil)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, errs := config.Load(path)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return cfg, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ordersctl",
		Short:         "Inspect and reconcile limestore orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML config file (environment variables take precedence)")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "log debug output to stderr")

	root.AddCommand(migrateCmd(a))
	root.AddCommand(showCmd(a))
	root.AddCommand(listCmd(a))
	root.AddCommand(reconcileCmd(a))
	return root
}

// session loads the configuration and opens the stores for one command.
func (a *app) session(ctx context.Context) (*config.Config, *bootstrap.Stores, error) {
	cfg, err := a.loadConfig(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	stores, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, stores, nil
}
