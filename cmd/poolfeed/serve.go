package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/poolfeed/internal/api"
	"github.com/FranksOps/poolfeed/internal/ingest"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := api.New(api.Config{
				Addr:           c.cfg.HTTP.Addr,
				ResolveLimit:   c.cfg.HTTP.ResolveLimit,
				ResolveWindow:  c.cfg.HTTP.ResolveWindow,
				RequestTimeout: c.cfg.HTTP.RequestTimeout,
			}, api.Deps{
				Store:     a.Store,
				Images:    a.Images,
				Gate:      a.Gate,
				Hub:       a.Hub,
				Watchlist: a.Watchlist,
			}, c.logger)
			if err != nil {
				return err
			}

			sched, err := ingest.NewScheduler(a.Runner, c.cfg.Ingest.Schedules, c.logger)
			if err != nil {
				return err
			}
			sched.OnSummary = func(s ingest.Schedule, sum *ingest.Summary, err error) {
				if sum == nil {
					return
				}
				c.logger.Info("scheduled run finished",
					"schedule", s.Name,
					"run_id", sum.RunID,
					"fetched", sum.Fetched,
					"created", sum.Created,
					"updated", sum.Updated,
					"excluded", sum.Excluded,
					"failed", sum.Failed,
					"duration", sum.Duration(),
				)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				c.logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	c.bind("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
