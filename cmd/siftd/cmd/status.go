package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/service"
	"github.com/siftlabs/siftd/internal/store"
)

// newStatusCmd creates the status command: crawl session progress.
func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show crawl session status and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			pool := service.NewPool(cfg)
			if err := pool.Init(cmd.Context()); err != nil {
				return err
			}
			defer pool.Close()

			sess, err := pool.Tracker.Get(cmd.Context(), sessionID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("unknown session %s", sessionID)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:        %s\n", sess.SessionID)
			fmt.Fprintf(out, "status:         %s\n", sess.Status)
			fmt.Fprintf(out, "started:        %s\n", sess.StartedAt.Format("2006-01-02 15:04:05"))
			if sess.CompletedAt != nil {
				fmt.Fprintf(out, "completed:      %s\n", sess.CompletedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "total items:    %d\n", sess.TotalItems)
			fmt.Fprintf(out, "items indexed:  %d\n", sess.ItemsIndexed)
			fmt.Fprintf(out, "items failed:   %d\n", sess.ItemsFailed)
			fmt.Fprintf(out, "total duration: %dms\n", sess.TotalDurationMS)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
