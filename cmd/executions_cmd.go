package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronod/internal/archive"
	"github.com/nextlevelbuilder/chronod/pkg/api"
)

func executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect and prune execution history",
	}
	cmd.PersistentFlags().StringVar(&serverFlag, "server", "", "chronod address (default $CHRONOD_SERVER, then localhost on the configured port)")

	cmd.AddCommand(executionsListCmd())
	cmd.AddCommand(executionsCleanupCmd())
	return cmd
}

func executionsListCmd() *cobra.Command {
	var (
		jsonOutput bool
		page       int
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list [jobId]",
		Short: "List executions of a job, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))

			c := newAPIClient()
			requireServer(c)

			var list api.ExecutionList
			if err := c.get("/jobs/"+args[0]+"/executions?"+q.Encode(), &list); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(list, "", "  ")
				fmt.Println(string(data))
				return
			}
			if len(list.Executions) == 0 {
				fmt.Println("No executions recorded.")
				return
			}
			printExecutions(list.Executions)

			p := list.Pagination
			if p.TotalPages > 1 {
				fmt.Printf("\nPage %d of %d (%d executions total). Use --page to see more.\n", p.Page, p.TotalPages, p.Total)
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size (max 100)")
	return cmd
}

func executionsCleanupCmd() *cobra.Command {
	var (
		days       int
		archiveURL string
		yes        bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old execution rows, optionally archiving them to S3 first",
		Long: `Cleanup deletes execution rows older than --days directly in the
database. With --archive the rows are written to an S3 object (JSON lines,
gzip) before deletion, so history stays queryable offline.`,
		Run: func(cmd *cobra.Command, args []string) {
			runCleanup(days, archiveURL, yes)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "delete executions older than this many days")
	cmd.Flags().StringVar(&archiveURL, "archive", "", "archive destination, s3://bucket/prefix")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func runCleanup(days int, archiveURL string, yes bool) {
	if days <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --days must be positive")
		os.Exit(1)
	}
	// Validate the destination before touching the database.
	if archiveURL != "" {
		if _, _, err := archive.ParseURL(archiveURL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}

	if !yes {
		what := fmt.Sprintf("Delete executions older than %d days?", days)
		if archiveURL != "" {
			what = fmt.Sprintf("Archive executions older than %d days to %s, then delete them?", days, archiveURL)
		}
		ok, err := promptConfirm(what, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("Aborted.")
			return
		}
	}

	ctx := context.Background()
	st, _ := openStore(ctx)
	defer st.Close()

	cutoff := time.Now().AddDate(0, 0, -days)

	if archiveURL != "" {
		s3, err := archive.NewS3(ctx, archive.S3Options{URL: archiveURL})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		obj, err := s3.ArchiveBefore(ctx, st, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: archive: %s\n", err)
			os.Exit(1)
		}
		if obj == nil {
			fmt.Println("Nothing to archive.")
		} else {
			fmt.Printf("Archived %d executions to s3://%s/%s\n", obj.Rows, obj.Bucket, obj.Key)
		}
	}

	n, err := st.CleanupOldExecutions(ctx, days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d executions older than %d days.\n", n, days)
}
