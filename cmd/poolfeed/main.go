// Command poolfeed ingests marketplace listings and serves them with a local
// image cache.
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
	"github.com/spf13/pflag"

	"github.com/FranksOps/poolfeed/internal/app"
	"github.com/FranksOps/poolfeed/internal/config"
	"github.com/FranksOps/poolfeed/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by subcommands once the root has loaded
// configuration.
type cli struct {
	configPath string
	// bindings maps config keys to the flags overriding them.
	bindings map[string]*pflag.Flag
	logOut   io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func (c *cli) bind(key string, f *pflag.Flag) {
	c.bindings[key] = f
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	c := &cli{bindings: make(map[string]*pflag.Flag), logOut: logOut}

	root := &cobra.Command{
		Use:           "poolfeed",
		Short:         "Marketplace listing ingestion and image cache",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath, c.bindings)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log, c.logOut)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			c.cfg, c.logger = cfg, logger
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(logOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json or text")
	pf.String("storage", config.BackendSQLite, "storage backend: sqlite, postgres, json, memory")
	pf.String("dsn", "poolfeed.db", "sqlite path or postgres connection string")
	c.bind("log.level", pf.Lookup("log-level"))
	c.bind("log.format", pf.Lookup("log-format"))
	c.bind("storage.backend", pf.Lookup("storage"))
	c.bind("storage.dsn", pf.Lookup("dsn"))

	root.AddCommand(
		newServeCmd(c),
		newIngestCmd(c),
		newRenormalizeCmd(c),
		newExportCmd(c),
		newBadKeysCmd(c),
	)
	return root
}

// build wires the application for a subcommand.
func (c *cli) build(ctx context.Context) (*app.App, error) {
	a, err := app.Build(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("startup: %w", err)
	}
	return a, nil
}
