package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rsagent/internal/domain"
	"rsagent/internal/jobs"

	"github.com/spf13/cobra"
)

// historySource is the part of the session store job lookup needs.
type historySource interface {
	History(ctx context.Context, sessionID string) ([]domain.MessageRecord, error)
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs submitted to the simulation service",
	}

	var (
		sessionID string
		wait      bool
		interval  time.Duration
		timeout   time.Duration
		asJSON    bool
	)
	status := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show the state and error text of a submitted job",
		Long: `Queries the simulation service for a job's state. Pass a job ID, or
--session to look up the last job accepted in that conversation. With --wait
the job is polled until it completes or fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			given := ""
			if len(args) == 1 {
				given = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				jobID, err := resolveJobID(ctx, a.sessions, given, sessionID)
				if err != nil {
					return err
				}

				var report domain.JobReport
				if wait {
					wctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					report, err = jobs.Wait(wctx, a.submitter, jobID, interval, func(r domain.JobReport) {
						if !asJSON && !r.State.Done() {
							fmt.Printf("%s  %s\n", r.CheckedAt.Local().Format("15:04:05"), r.State)
						}
					})
					if errors.Is(err, context.DeadlineExceeded) {
						fmt.Printf("Still %s after %s; check again later.\n", report.State, timeout)
						return nil
					}
				} else {
					report, err = a.submitter.JobStatus(ctx, jobID)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(report)
				}
				fmt.Println(describeJob(report))
				if report.State == domain.JobFailed {
					return fmt.Errorf("job %s failed", report.JobID)
				}
				return nil
			})
		},
	}
	status.Flags().StringVarP(&sessionID, "session", "s", "", "use the last job accepted in this session")
	status.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the job completes or fails")
	status.Flags().DurationVar(&interval, "interval", 10*time.Second, "polling interval with --wait")
	status.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up waiting after this long")
	status.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.AddCommand(status)

	return cmd
}

// resolveJobID returns jobID, or the last job accepted in sessionID's
// history when only a session is given.
func resolveJobID(ctx context.Context, sessions historySource, jobID, sessionID string) (string, error) {
	switch {
	case jobID != "" && sessionID != "":
		return "", errors.New("give a job ID or --session, not both")
	case jobID != "":
		return jobID, nil
	case sessionID == "":
		return "", errors.New("a job ID or --session is required")
	}
	msgs, err := sessions.History(ctx, sessionID)
	if err != nil {
		return "", err
	}
	job, ok := jobs.LatestAccepted(msgs)
	if !ok {
		return "", fmt.Errorf("session %s has no accepted job; submit one first", sessionID)
	}
	return job.JobID, nil
}

func describeJob(r domain.JobReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s: %s", r.JobID, r.State)
	if r.Error != "" {
		fmt.Fprintf(&sb, "\n%s", r.Error)
	}
	return sb.String()
}
