package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FranksOps/poolfeed/internal/ingest"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/metrics"
	"github.com/FranksOps/poolfeed/internal/report"
	"github.com/FranksOps/poolfeed/internal/storage"
)

func newIngestCmd(c *cli) *cobra.Command {
	var (
		marketplace string
		query       string
		limit       int
		detail      bool
		format      string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass against a marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := listing.ParseMarketplace(marketplace)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if port := c.cfg.Metrics.Port; port > 0 {
				ms := metrics.Start(port, c.logger)
				defer ms.Stop(context.Background())
			}

			req := ingest.Request{Marketplace: m, Query: query, Limit: limit}
			if cmd.Flags().Changed("detail") {
				req.Detail = &detail
			}
			sum, runErr := a.Runner.Run(ctx, req)
			if sum != nil {
				if err := writeOverview(cmd, format, []*ingest.Summary{sum}); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	f := cmd.Flags()
	f.StringVar(&marketplace, "marketplace", "", "marketplace to search")
	f.StringVar(&query, "query", "", "search query")
	f.IntVar(&limit, "limit", 50, "maximum records to request")
	f.BoolVar(&detail, "detail", false, "fetch each listing's detail page")
	f.StringVar(&format, "format", "text", "summary format: text, json or html")
	_ = cmd.MarkFlagRequired("marketplace")
	return cmd
}

func newRenormalizeCmd(c *cli) *cobra.Command {
	var (
		marketplace string
		format      string
	)
	cmd := &cobra.Command{
		Use:   "renormalize",
		Short: "Rebuild stored listings from their saved raw details",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f storage.Filter
			if marketplace != "" {
				m, err := listing.ParseMarketplace(marketplace)
				if err != nil {
					return err
				}
				f.Marketplace = m
			}
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, runErr := a.Runner.Renormalize(ctx, f)
			if sum != nil {
				if err := writeOverview(cmd, format, []*ingest.Summary{sum}); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&marketplace, "marketplace", "", "only listings of this marketplace")
	cmd.Flags().StringVar(&format, "format", "text", "summary format: text, json or html")
	return cmd
}

func writeOverview(cmd *cobra.Command, format string, runs []*ingest.Summary) error {
	o := report.Aggregate(runs)
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "text", "":
		return report.WriteText(out, o)
	case "json":
		return report.WriteJSON(out, o)
	case "html":
		return report.WriteHTML(out, o)
	default:
		return fmt.Errorf("unknown summary format %q", format)
	}
}
