package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/cache"
	"github.com/siftlabs/siftd/internal/service"
)

// newGetCmd creates the get command: fetch cached content for a URL.
func newGetCmd() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch cached content for a URL",
		Long: `Fetch cached content. Without --tier, the most-processed available
tier is returned (extracted, then cleaned, then raw).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]

			pool := service.NewPool(cfg)
			if err := pool.Init(cmd.Context()); err != nil {
				return err
			}
			defer pool.Close()

			var (
				value string
				got   string
				err   error
			)
			if tier != "" {
				got = tier
				value, err = pool.Cache.Get(cmd.Context(), tier, url)
			} else {
				got, value, err = pool.Cache.GetAny(cmd.Context(), url)
			}
			if errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("no cached content for %s", url)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "tier: %s\n", got)
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tier, "tier", "t", "", "Specific tier (raw, cleaned, extracted)")
	return cmd
}
