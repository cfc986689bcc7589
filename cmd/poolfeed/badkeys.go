package main

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/FranksOps/poolfeed/internal/imagecache"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newBadKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "badkeys",
		Short: "Manage the known-bad image key set",
	}

	add := &cobra.Command{
		Use:   "add <url|key>...",
		Short: "Mark images known-bad so they are always re-fetched",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				key := arg
				if !hexKey.MatchString(arg) {
					resolved, err := imagecache.ResolveURL(arg)
					if err != nil {
						return fmt.Errorf("%s: %w", arg, err)
					}
					key = imagecache.Key(resolved)
					if err := a.Images.Invalidate(ctx, resolved); err != nil {
						c.logger.Warn("invalidate cached image", "url", resolved, "err", err)
					}
				}
				if err := a.Images.KnownBad().Add(ctx, key); err != nil {
					return fmt.Errorf("add %s: %w", key, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <key>...",
		Short: "Remove keys from the known-bad set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Images.KnownBad().Remove(ctx, args...)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known-bad keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.Images.KnownBad().List(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}
