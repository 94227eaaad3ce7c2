package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"edgeguard/internal/models"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		url     string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor health summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = "http://localhost" + a.cfg.SupervisorAddr
			}
			sum, raw, err := fetchSummary(cmd.Context(), url, timeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				_, err = out.Write(raw)
			} else {
				err = printSummary(out, sum)
			}
			if err != nil {
				return err
			}
			if sum.Exhausted {
				return fmt.Errorf("restart budget exhausted, operator action required")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "supervisor base URL (default http://localhost$SUPERVISOR_ADDR)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw summary")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// fetchSummary reads GET /health; a 503 still carries a summary
func fetchSummary(ctx context.Context, baseURL string, timeout time.Duration) (models.HealthSummary, []byte, error) {
	var sum models.HealthSummary

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return sum, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sum, nil, fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return sum, nil, fmt.Errorf("failed to read supervisor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return sum, raw, fmt.Errorf("supervisor returned %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &sum); err != nil {
		return sum, raw, fmt.Errorf("failed to decode health summary: %w", err)
	}
	return sum, raw, nil
}

func printSummary(w io.Writer, sum models.HealthSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "healthy: %t\texhausted: %t\n\n", sum.Healthy, sum.Exhausted)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tRESTARTS\tPROBE FAILURES\tREQUESTS\tLAST ERROR")
	for _, p := range sum.Processes {
		requests := "-"
		if p.LastStatus != nil {
			requests = fmt.Sprint(p.LastStatus.RequestCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%d\t%s\t%s\n",
			p.Name, p.State, p.PID, p.Restarts, p.MaxRestarts,
			p.ConsecutiveProbeFailures, requests, p.LastProbeError)
	}
	return tw.Flush()
}
