package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronod/pkg/api"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage cron jobs on a running instance",
	}
	cmd.PersistentFlags().StringVar(&serverFlag, "server", "", "chronod address (default $CHRONOD_SERVER, then localhost on the configured port)")

	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsGetCmd())
	cmd.AddCommand(jobsCreateCmd())
	cmd.AddCommand(jobsUpdateCmd())
	cmd.AddCommand(jobsDeleteCmd())
	cmd.AddCommand(jobsTriggerCmd())
	cmd.AddCommand(jobsValidateCronCmd())
	cmd.AddCommand(jobsApplyCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var (
		jsonOutput bool
		active     bool
		jobType    string
		tags       []string
		search     string
		page       int
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Run: func(cmd *cobra.Command, args []string) {
			q := url.Values{}
			if cmd.Flags().Changed("active") {
				q.Set("isActive", strconv.FormatBool(active))
			}
			if jobType != "" {
				q.Set("jobType", jobType)
			}
			for _, t := range tags {
				q.Add("tags", t)
			}
			if search != "" {
				q.Set("search", search)
			}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))

			c := newAPIClient()
			requireServer(c)

			var list api.JobList
			if err := c.get("/jobs?"+q.Encode(), &list); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printJobs(list, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&active, "active", true, "filter by active state (--active=false for inactive)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type (scheduled|immediate|recurring|delayed)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable; any match)")
	cmd.Flags().StringVar(&search, "search", "", "search in name and description")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size (max 100)")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "get [jobId]",
		Short: "Show one job with its recent executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newAPIClient()
			requireServer(c)

			var detail api.JobDetail
			if err := c.get("/jobs/"+args[0], &detail); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(detail, "", "  ")
				fmt.Println(string(data))
				return
			}
			printJobDetail(detail)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func jobsCreateCmd() *cobra.Command {
	var (
		jsonOutput   bool
		name         string
		cronExpr     string
		description  string
		jobType      string
		tags         []string
		payload      string
		timeoutMS    int
		maxRetries   int
		retryDelayMS int
		createdBy    string
		inactive     bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Run: func(cmd *cobra.Command, args []string) {
			req := api.JobCreate{
				Name:           name,
				Description:    description,
				CronExpression: cronExpr,
				JobType:        jobType,
				CreatedBy:      createdBy,
				Tags:           tags,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					fmt.Fprintln(os.Stderr, "Error: --payload must be valid JSON")
					os.Exit(1)
				}
				req.Payload = json.RawMessage(payload)
			}
			if cmd.Flags().Changed("timeout-ms") {
				req.TimeoutMS = &timeoutMS
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("retry-delay-ms") {
				req.RetryDelayMS = &retryDelayMS
			}
			if inactive {
				f := false
				req.IsActive = &f
			}

			c := newAPIClient()
			requireServer(c)

			var job api.Job
			if err := c.post("/jobs", req, &job); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(job, "", "  ")
				fmt.Println(string(data))
				return
			}
			fmt.Printf("Created job %s (%s). Next run: %s\n", shortID(job.ID), job.Name, fmtTime(job.NextRunAt))
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, five fields (required)")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringVar(&jobType, "type", "", "job type (scheduled|immediate|recurring|delayed)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&payload, "payload", "", `payload JSON (e.g. '{"script":"..."}')`)
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "execution timeout in milliseconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry attempts after a failure")
	cmd.Flags().IntVar(&retryDelayMS, "retry-delay-ms", 0, "delay between retries in milliseconds")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "owner recorded on the job (default $USER)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create without scheduling")
	cobra.CheckErr(cmd.MarkFlagRequired("name"))
	cobra.CheckErr(cmd.MarkFlagRequired("cron"))
	return cmd
}

func jobsUpdateCmd() *cobra.Command {
	var (
		jsonOutput   bool
		name         string
		cronExpr     string
		description  string
		jobType      string
		tags         []string
		payload      string
		timeoutMS    int
		maxRetries   int
		retryDelayMS int
		active       bool
	)
	cmd := &cobra.Command{
		Use:   "update [jobId]",
		Short: "Update a job (only the given flags change)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var req api.JobUpdate
			changed := cmd.Flags().Changed
			if changed("name") {
				req.Name = &name
			}
			if changed("cron") {
				req.CronExpression = &cronExpr
			}
			if changed("description") {
				req.Description = &description
			}
			if changed("type") {
				req.JobType = &jobType
			}
			if changed("tag") {
				req.Tags = &tags
			}
			if changed("payload") {
				if payload != "" && !json.Valid([]byte(payload)) {
					fmt.Fprintln(os.Stderr, "Error: --payload must be valid JSON")
					os.Exit(1)
				}
				req.Payload = json.RawMessage(payload)
			}
			if changed("timeout-ms") {
				req.TimeoutMS = &timeoutMS
			}
			if changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if changed("retry-delay-ms") {
				req.RetryDelayMS = &retryDelayMS
			}
			if changed("active") {
				req.IsActive = &active
			}

			c := newAPIClient()
			requireServer(c)

			var job api.Job
			if err := c.put("/jobs/"+args[0], req, &job); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(job, "", "  ")
				fmt.Println(string(data))
				return
			}
			fmt.Printf("Updated job %s (%s). Next run: %s\n", shortID(job.ID), job.Name, fmtTime(job.NextRunAt))
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable; pass none to clear)")
	cmd.Flags().StringVar(&payload, "payload", "", "replace payload JSON")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "execution timeout in milliseconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry attempts after a failure")
	cmd.Flags().IntVar(&retryDelayMS, "retry-delay-ms", 0, "delay between retries in milliseconds")
	cmd.Flags().BoolVar(&active, "active", true, "activate or deactivate (--active=false)")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [jobId]",
		Aliases: []string{"rm"},
		Short:   "Delete a job and its execution history",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newAPIClient()
			requireServer(c)

			var job api.Job
			if err := c.delete("/jobs/"+args[0], &job); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted job %s (%s)\n", shortID(job.ID), job.Name)
		},
	}
}

func jobsTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [jobId]",
		Short: "Run a job now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newAPIClient()
			requireServer(c)

			var res api.TriggerResult
			if err := c.post("/jobs/"+args[0]+"/trigger", nil, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Triggered %s (%s) at %s\n", res.JobName, shortID(res.JobID), res.TriggeredAt.Local().Format(time.DateTime))
		},
	}
}

func jobsValidateCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-cron [expression]",
		Short: "Check a cron expression and preview its next runs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newAPIClient()
			requireServer(c)

			var res api.ValidateCronResult
			if err := c.post("/jobs/validate-cron", api.ValidateCronRequest{Expression: args[0]}, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if !res.IsValid {
				fmt.Fprintf(os.Stderr, "Invalid cron expression: %s\n", res.Expression)
				os.Exit(1)
			}
			fmt.Printf("Valid. Next %d runs (%s):\n", len(res.NextRuns), res.Timezone)
			for _, t := range res.NextRuns {
				fmt.Printf("  %s\n", t.Local().Format(time.DateTime))
			}
		},
	}
}

// --- Shared display ---

func printJobs(list api.JobList, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(list.Jobs) == 0 {
		fmt.Println("No jobs found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSCHEDULE\tTYPE\tACTIVE\tLAST RUN\tNEXT RUN\tRUNS\n")
	for _, j := range list.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\t%s\t%d/%d\n",
			shortID(j.ID),
			runewidth.Truncate(j.Name, 28, "…"),
			j.CronExpression,
			j.JobType,
			j.IsActive,
			fmtTime(j.LastRunAt),
			fmtTime(j.NextRunAt),
			j.SuccessfulRuns, j.TotalRuns)
	}
	tw.Flush()

	p := list.Pagination
	if p.TotalPages > 1 {
		fmt.Printf("\nPage %d of %d (%d jobs total). Use --page to see more.\n", p.Page, p.TotalPages, p.Total)
	}
}

func printJobDetail(d api.JobDetail) {
	j := d.Job
	fmt.Printf("%-13s%s\n", "ID:", j.ID)
	fmt.Printf("%-13s%s\n", "Name:", j.Name)
	if j.Description != "" {
		fmt.Printf("%-13s%s\n", "Description:", j.Description)
	}
	fmt.Printf("%-13s%s (%s)\n", "Schedule:", j.CronExpression, "Asia/Kolkata")
	fmt.Printf("%-13s%s\n", "Type:", j.JobType)
	fmt.Printf("%-13s%v (scheduled: %v)\n", "Active:", j.IsActive, d.IsScheduled)
	if len(j.Tags) > 0 {
		fmt.Printf("%-13s%s\n", "Tags:", strings.Join(j.Tags, ", "))
	}
	if len(j.Payload) > 0 && string(j.Payload) != "null" {
		fmt.Printf("%-13s%s\n", "Payload:", string(j.Payload))
	}
	fmt.Printf("%-13stimeout %dms, %d retries, %dms apart\n", "Limits:", j.TimeoutMS, j.MaxRetries, j.RetryDelayMS)
	if j.CreatedBy != "" {
		fmt.Printf("%-13s%s\n", "Created by:", j.CreatedBy)
	}
	fmt.Printf("%-13s%s\n", "Created:", j.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("%-13s%s\n", "Last run:", fmtTime(j.LastRunAt))
	fmt.Printf("%-13s%s\n", "Next run:", fmtTime(j.NextRunAt))
	fmt.Printf("%-13s%d total, %d ok, %d failed\n", "Runs:", j.TotalRuns, j.SuccessfulRuns, j.FailedRuns)

	if len(d.ExecutionHistory) == 0 {
		return
	}
	fmt.Println()
	printExecutions(d.ExecutionHistory)
}

func printExecutions(execs []api.Execution) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATUS\tSTARTED\tDURATION\tRETRY\tERROR\n")
	for _, e := range execs {
		dur := "-"
		if e.DurationMS != nil {
			dur = (time.Duration(*e.DurationMS) * time.Millisecond).String()
		}
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = runewidth.Truncate(*e.ErrorMessage, 40, "…")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(e.ID),
			e.Status,
			e.StartedAt.Local().Format(time.DateTime),
			dur,
			e.RetryCount,
			errMsg)
	}
	tw.Flush()
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// fmtTime renders an optional timestamp, "never" when absent.
func fmtTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
