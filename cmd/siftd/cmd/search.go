package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/search"
	"github.com/siftlabs/siftd/internal/service"
)

// newSearchCmd creates the search command: one hybrid query.
func newSearchCmd() *cobra.Command {
	var (
		k          int
		jsonOutput bool
		lexWeight  float64
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid lexical+semantic query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			pool := service.NewPool(cfg)
			if err := pool.Init(cmd.Context()); err != nil {
				return err
			}
			defer pool.Close()

			opts := search.Options{}
			if cmd.Flags().Changed("lexical-weight") {
				opts.Weights = &search.Weights{Lexical: lexWeight, Semantic: 1 - lexWeight}
			}

			results, err := pool.Planner.Search(cmd.Context(), query, k, opts)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %.4f  %s\n", i+1, r.Score, r.URL)
				if r.Snippet != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", r.Snippet)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "limit", "k", 10, "Maximum results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().Float64Var(&lexWeight, "lexical-weight", 0.5, "Lexical leg weight (semantic gets the rest)")
	return cmd
}
