package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ferrante/matflow/internal/config"
	"github.com/ferrante/matflow/internal/store"
)

// NewHistoryCommand creates and returns the history subcommand
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [flow-uuid-prefix]",
		Short: "Show recorded flow runs",
		Long: `Show flow runs recorded in the history database.

Without arguments, lists recent flow runs. With a flow UUID (or a unique
prefix of one), shows the per-job breakdown of that run.

Examples:
  matflow history                 # List recent runs
  matflow history --limit 50      # List more runs
  matflow history 3f2a            # Show jobs of the run starting with 3f2a
  matflow history --summary       # Aggregate recorded jobs per calculator
  matflow history --prune 720h    # Delete runs older than 30 days`,
		Args: cobra.MaximumNArgs(1),
		RunE: historyCommand,
	}

	cmd.Flags().String("db", "", "Path to history database (default from config)")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	cmd.Flags().Bool("summary", false, "Show per-calculator summary statistics")
	cmd.Flags().String("prune", "", "Delete runs older than this duration (e.g., 720h)")

	return cmd
}

func historyCommand(cmd *cobra.Command, args []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := config.LoadConfigFromDir(".")
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dbPath = cfg.History.DBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "No history recorded yet.")
		return nil
	}

	s, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()

	if pruneStr, _ := cmd.Flags().GetString("prune"); pruneStr != "" {
		age, err := time.ParseDuration(pruneStr)
		if err != nil {
			return fmt.Errorf("invalid prune duration %q: %w", pruneStr, err)
		}
		n, err := s.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d flow run(s).\n", n)
		return nil
	}

	colorOutput := isatty.IsTerminal(os.Stdout.Fd())

	if summary, _ := cmd.Flags().GetBool("summary"); summary {
		return listCalculatorSummaries(ctx, cmd.OutOrStdout(), s)
	}

	if len(args) == 1 {
		return showFlowRun(ctx, cmd.OutOrStdout(), s, args[0], colorOutput)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	return listFlowRuns(ctx, cmd.OutOrStdout(), s, limit, colorOutput)
}

func listFlowRuns(ctx context.Context, w io.Writer, s *store.Store, limit int, colorOutput bool) error {
	flows, err := s.RecentFlows(ctx, limit)
	if err != nil {
		return err
	}
	if len(flows) == 0 {
		fmt.Fprintln(w, "No flow runs recorded.")
		return nil
	}

	fmt.Fprintf(w, "%-10s %-24s %-10s %6s %6s %6s %10s  %s\n",
		"UUID", "NAME", "STATUS", "JOBS", "OK", "FAIL", "DURATION", "STARTED")
	for _, f := range flows {
		fmt.Fprintf(w, "%-10s %-24s %-10s %6d %6d %6d %10s  %s\n",
			shorten(f.UUID, 8), shorten(f.Name, 24), colorStatus(f.Status, colorOutput),
			f.TotalJobs, f.Completed, f.Failed,
			f.Duration.Round(time.Millisecond), f.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func listCalculatorSummaries(ctx context.Context, w io.Writer, s *store.Store) error {
	summaries, err := s.CalculatorSummaries(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No calculations recorded.")
		return nil
	}

	fmt.Fprintf(w, "%-16s %6s %6s %6s %14s %12s\n",
		"CALCULATOR", "JOBS", "OK", "FAIL", "MEAN E (eV)", "STEPS")
	for _, cs := range summaries {
		fmt.Fprintf(w, "%-16s %6d %6d %6d %14.4f %12d\n",
			cs.Calculator, cs.Jobs, cs.Completed, cs.Failed, cs.MeanEnergy, cs.TotalSteps)
	}
	return nil
}

func showFlowRun(ctx context.Context, w io.Writer, s *store.Store, prefix string, colorOutput bool) error {
	f, err := s.FindFlow(ctx, prefix)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Flow %s (%s)\n", f.Name, f.UUID)
	fmt.Fprintf(w, "  Status: %s\n", colorStatus(f.Status, colorOutput))
	fmt.Fprintf(w, "  Jobs: %d total, %d completed, %d failed\n", f.TotalJobs, f.Completed, f.Failed)
	fmt.Fprintf(w, "  Duration: %s\n", f.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Started: %s\n", f.StartedAt.Local().Format("2006-01-02 15:04:05"))

	jobs, err := s.FlowJobs(ctx, f.UUID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n%-5s %-28s %-10s %10s\n", "WAVE", "JOB", "STATUS", "DURATION")
	for _, j := range jobs {
		fmt.Fprintf(w, "%-5d %-28s %-10s %10s\n",
			j.Wave, shorten(j.Name, 28), colorStatus(j.Status, colorOutput),
			j.Duration.Round(time.Millisecond))
		if j.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", j.Error)
		}
	}
	return nil
}

// colorStatus renders a status token with terminal colors when enabled.
func colorStatus(status string, colorOutput bool) string {
	if !colorOutput {
		return status
	}
	switch status {
	case store.FlowStatusCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case store.FlowStatusFailed:
		return color.New(color.FgRed).Sprint(status)
	case store.FlowStatusRunning, "SKIPPED":
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

// shorten truncates s to at most n characters.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
