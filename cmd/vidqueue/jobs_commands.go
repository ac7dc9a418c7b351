package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vidqueue/internal/api"
	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job ledger",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsStatsCommand(ctx))

	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.Filter{Limit: limit}
			for _, raw := range statuses {
				for _, part := range strings.Split(raw, ",") {
					status, ok := ledger.ParseStatus(part)
					if !ok {
						return fmt.Errorf("unknown status %q", strings.TrimSpace(part))
					}
					filter.Statuses = append(filter.Statuses, status)
				}
			}
			return ctx.withLedger(func(_ *config.Config, store *ledger.Store) error {
				jobs, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					views := api.FromJobs(jobs)
					return writeJSON(cmd, api.JobListResponse{Items: views, Count: len(views)})
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Format", "Attempts", "File", "Updated"},
					jobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", ledger.DefaultListLimit, "Maximum number of jobs to show")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withLedger(func(_ *config.Config, store *ledger.Store) error {
				job, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", id)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.FromJob(job))
				}
				fmt.Fprint(cmd.OutOrStdout(), renderFields(jobFields(job)))
				return nil
			})
		},
	}
}

func newJobsStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(_ *config.Config, store *ledger.Store) error {
				counts, err := store.Counts(cmd.Context())
				if err != nil {
					return err
				}
				total := 0
				out := make(map[string]int, len(counts))
				rows := make([][]string, 0, len(counts)+1)
				for _, status := range ledger.AllStatuses() {
					n := counts[status]
					total += n
					out[string(status)] = n
					rows = append(rows, []string{string(status), strconv.Itoa(n)})
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.StatsResponse{Counts: out, Total: total})
				}
				rows = append(rows, []string{"total", strconv.Itoa(total)})
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func jobRows(jobs []*ledger.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			dashIfEmpty(job.RequestedFormat),
			strconv.Itoa(job.AttemptCount),
			dashIfEmpty(job.OriginalFilename),
			formatTime(job.UpdatedAt),
		})
	}
	return rows
}

func jobFields(job *ledger.Job) [][2]string {
	fields := [][2]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"File", dashIfEmpty(job.OriginalFilename)},
		{"Input", job.InputLocation},
		{"Output", dashIfEmpty(job.OutputLocation)},
		{"Format", dashIfEmpty(job.RequestedFormat)},
		{"Attempts", strconv.Itoa(job.AttemptCount)},
		{"Created", formatTime(job.CreatedAt)},
		{"Updated", formatTime(job.UpdatedAt)},
		{"Enqueued", formatTimePtr(job.EnqueuedAt)},
	}
	if job.StartedAt != nil {
		fields = append(fields, [2]string{"Started", formatTimePtr(job.StartedAt)})
	}
	if job.LastHeartbeat != nil {
		fields = append(fields, [2]string{"Heartbeat", formatTimePtr(job.LastHeartbeat)})
	}
	if job.CompletedAt != nil {
		fields = append(fields, [2]string{"Completed", formatTimePtr(job.CompletedAt)})
	}
	if job.ConversionMS > 0 {
		fields = append(fields, [2]string{"Conversion", (time.Duration(job.ConversionMS) * time.Millisecond).String()})
	}
	if job.ErrorDetail != "" {
		fields = append(fields, [2]string{"Error", job.ErrorDetail})
	}
	return fields
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func dashIfEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
