package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/queue"
	"github.com/siftlabs/siftd/internal/service"
	"github.com/siftlabs/siftd/internal/store"
)

// newEnqueueCmd creates the enqueue command: submit one document for
// indexing.
func newEnqueueCmd() *cobra.Command {
	var (
		url         string
		file        string
		sessionID   string
		tier        string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a document for indexing",
		Long: `Read document content from a file (or stdin with -) and enqueue an
indexing job for it under the given crawl session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}

			var (
				content []byte
				err     error
			)
			if file == "-" || file == "" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}

			pool := service.NewPool(cfg)
			if err := pool.Init(cmd.Context()); err != nil {
				return err
			}
			defer pool.Close()

			if sessionID != "" {
				if err := pool.Tracker.Start(cmd.Context(), sessionID); err != nil {
					return err
				}
			}

			job := queue.NewJob(sessionID, url, string(content), contentType, tier)
			if err := pool.Queue.Enqueue(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s for %s\n", job.ID, url)
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "", "Document URL (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Content file, or - for stdin")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Crawl session id")
	cmd.Flags().StringVarP(&tier, "tier", "t", store.TierRaw, "Content tier (raw, cleaned, extracted)")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Content MIME type")
	return cmd
}
