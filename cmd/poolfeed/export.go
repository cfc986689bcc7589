package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/FranksOps/poolfeed/internal/app"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/report"
	"github.com/FranksOps/poolfeed/internal/storage"
)

func newExportCmd(c *cli) *cobra.Command {
	var (
		format      string
		output      string
		marketplace string
		filter      storage.Filter
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored listings as CSV or NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if marketplace != "" {
				m, err := listing.ParseMarketplace(marketplace)
				if err != nil {
					return err
				}
				filter.Marketplace = m
			}

			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, c.cfg.Storage, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			found, err := store.Query(ctx, filter)
			if err != nil {
				return fmt.Errorf("query listings: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer file.Close()
				w = file
			}
			if err := report.Export(w, format, found); err != nil {
				return err
			}
			c.logger.Info("export complete", "listings", len(found), "format", format)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", report.FormatCSV, "csv or ndjson")
	f.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	f.StringVar(&marketplace, "marketplace", "", "only listings of this marketplace")
	f.StringVar(&filter.Category, "category", "", "only listings tagged with this category")
	f.StringVar(&filter.Text, "q", "", "text to match in title or description")
	f.IntVar(&filter.Limit, "limit", 0, "maximum listings, 0 for all")
	return cmd
}
