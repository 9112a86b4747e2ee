package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(ctx)
			if err != nil {
				return err
			}
			jobs, err := client.listJobs(cmd.Context(), statusFilters)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.JobID,
					job.RecordingID,
					job.Status,
					job.Stage,
					formatAge(job.CreatedAt),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out, []string{"JOB", "RECORDING", "STATUS", "STAGE", "AGE"}, rows))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusFilters, "status", nil, "Filter by status (queued, running, succeeded, failed, cancelled)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id|recording-id>",
		Short: "Show one job snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(ctx)
			if err != nil {
				return err
			}
			job, err := client.getJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, job)
			}
			printJob(cmd, job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job or flag a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(ctx)
			if err != nil {
				return err
			}
			job, err := client.cancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case job.Status == "cancelled":
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", job.JobID)
			case job.CancelRequested:
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is running; cancellation requested\n", job.JobID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.JobID, job.Status)
			}
			return nil
		},
	}
}

func newClientFor(ctx *commandContext) (*apiClient, error) {
	baseURL, err := ctx.apiBaseURL()
	if err != nil {
		return nil, err
	}
	return newAPIClient(baseURL), nil
}

func printJob(cmd *cobra.Command, job *jobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %s\n", job.JobID)
	fmt.Fprintf(out, "Recording:  %s\n", job.RecordingID)
	fmt.Fprintf(out, "Status:     %s\n", job.Status)
	if job.Stage != "" {
		fmt.Fprintf(out, "Stage:      %s\n", job.Stage)
	}
	fmt.Fprintf(out, "Stages:     %s\n", strings.Join(job.Stages, ", "))
	fmt.Fprintf(out, "Created:    %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:    %s\n", job.UpdatedAt.Local().Format(time.RFC3339))
	if job.CancelRequested {
		fmt.Fprintln(out, "Cancel:     requested")
	}
	if job.Error != nil {
		fmt.Fprintf(out, "Error:      [%s] %s", job.Error.Kind, job.Error.Message)
		if job.Error.Stage != "" {
			fmt.Fprintf(out, " (stage %s)", job.Error.Stage)
		}
		fmt.Fprintln(out)
	}
	if len(job.StageOutputs) > 0 && string(job.StageOutputs) != "{}" {
		fmt.Fprintf(out, "Outputs:    %s\n", string(job.StageOutputs))
	}
}

func writeJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func formatAge(created time.Time) string {
	if created.IsZero() {
		return ""
	}
	age := time.Since(created)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
