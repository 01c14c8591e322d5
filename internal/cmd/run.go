package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrante/matflow/internal/config"
	"github.com/ferrante/matflow/internal/filelock"
	"github.com/ferrante/matflow/internal/flow"
	"github.com/ferrante/matflow/internal/logger"
	"github.com/ferrante/matflow/internal/models"
	"github.com/ferrante/matflow/internal/parser"
	"github.com/ferrante/matflow/internal/store"
	"github.com/ferrante/matflow/internal/structio"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow",
		Long: `Execute a workflow described by a YAML document.

The document names the input structure, the calculator, and the workflow
kind (relax, static, md, eos, mpmorph, anneal, quench). Jobs run in
parallel waves in dependency order, and the flow output is written into
the output directory as a JSON task document.

Configuration is loaded from .matflow/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  matflow run melt.yaml
  matflow run --dry-run melt.yaml          # Validate without executing
  matflow run --timeout 2h melt.yaml       # Set 2 hour timeout
  matflow run --max-concurrency 8 melt.yaml
  matflow run --verbose melt.yaml          # Show per-job progress
  matflow run --output-dir results/ melt.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .matflow/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Validate the workflow without executing jobs")
	cmd.Flags().Int("max-concurrency", 0, "Maximum number of concurrent jobs")
	cmd.Flags().String("timeout", "", "Maximum execution time (e.g., 30m, 2h, 1h30m)")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().String("output-dir", "", "Directory for output documents")
	cmd.Flags().Int64("seed", 0, "Velocity seed for MD stages (0 = from clock)")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Parse the workflow document before touching anything else so that a
	// bad document fails fast.
	doc, err := parser.ParseFile(args[0])
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("seed") {
		seed, _ := cmd.Flags().GetInt64("seed")
		doc.ApplySeed(seed)
	}

	f, err := doc.Build()
	if err != nil {
		return fmt.Errorf("failed to build workflow: %w", err)
	}
	if err := f.Validate(nil); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")

	fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s: %d job(s), kind %s\n", f.Name, len(f.Jobs), doc.Kind)
	fmt.Fprintf(cmd.OutOrStdout(), "  Structure: %s\n", doc.StructurePath())
	fmt.Fprintf(cmd.OutOrStdout(), "  Calculator: %s\n", doc.Calculator.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "  Timeout: %s\n", cfg.Timeout)
	if configPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Config: %s\n", configPath)
	}

	if cfg.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDry-run mode: workflow is valid and ready for execution.\n")
		if verbose {
			for _, j := range f.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", j.Name)
			}
		}
		return nil
	}

	// Verbose flag overrides the configured log level.
	logLevel := cfg.LogLevel
	if verbose {
		logLevel = "debug"
	}

	consoleLog := logger.NewConsoleLogger(os.Stdout, logLevel)
	fileLog, err := logger.NewFileLogger(cfg.LogDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()
	multiLog := logger.NewMultiLogger(consoleLog, fileLog)

	opts := []flow.Option{flow.WithLogger(multiLog)}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, flow.WithMaxConcurrency(cfg.MaxConcurrency))
	}

	var runStore *store.Store
	if cfg.History.Enabled {
		runStore, err = store.NewStore(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer runStore.Close()
		opts = append(opts, flow.WithRecorder(runStore))

		// Retention: drop runs older than keep_days before recording
		// this one.
		if cfg.History.KeepDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.History.KeepDays)
			if _, err := runStore.Prune(cmd.Context(), cutoff); err != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "Warning: failed to prune history: %v\n", err)
			}
		}
	}

	engine := flow.NewEngine(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nStarting execution...\n\n")
	result, err := engine.Run(ctx, f)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	if writeErr := writeOutput(cfg.OutputDir, f, result); writeErr != nil {
		fmt.Fprintf(cmd.OutOrStderr(), "Warning: failed to write output: %v\n", writeErr)
	}

	if result.Failed > 0 {
		return fmt.Errorf("%d job(s) failed", result.Failed)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nExecution completed successfully.\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Logs written to: %s\n", cfg.LogDir)
	fmt.Fprintf(cmd.OutOrStdout(), "Output written to: %s\n", cfg.OutputDir)
	return nil
}

// loadConfig loads the configuration file and merges CLI flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}

	var maxConcurrencyPtr *int
	if cmd.Flags().Changed("max-concurrency") {
		v, _ := cmd.Flags().GetInt("max-concurrency")
		maxConcurrencyPtr = &v
	}

	var timeoutPtr *time.Duration
	if cmd.Flags().Changed("timeout") {
		timeoutStr, _ := cmd.Flags().GetString("timeout")
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, "", fmt.Errorf("invalid timeout format %q: %w", timeoutStr, err)
		}
		timeoutPtr = &timeout
	}

	var logDirPtr *string
	if cmd.Flags().Changed("log-dir") {
		v, _ := cmd.Flags().GetString("log-dir")
		logDirPtr = &v
	}

	var outputDirPtr *string
	if cmd.Flags().Changed("output-dir") {
		v, _ := cmd.Flags().GetString("output-dir")
		outputDirPtr = &v
	}

	var dryRunPtr *bool
	if cmd.Flags().Changed("dry-run") {
		v, _ := cmd.Flags().GetBool("dry-run")
		dryRunPtr = &v
	}

	cfg.MergeWithFlags(maxConcurrencyPtr, timeoutPtr, logDirPtr, outputDirPtr, dryRunPtr)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, configPath, nil
}

// writeOutput persists the flow result into the output directory: the
// resolved flow output (a task document, or any other document the flow
// produced, such as an equation-of-state fit) and a run summary. The
// summary goes through the file lock because concurrent flows may share
// an output directory.
func writeOutput(outputDir string, f *flow.Flow, result *models.FlowResult) error {
	base := sanitizeName(f.Name)
	docPath := filepath.Join(outputDir, fmt.Sprintf("%s-output.json", base))

	switch out := result.Output.(type) {
	case nil:
	case *models.TaskDocument:
		if out != nil {
			if err := structio.WriteTaskDocument(docPath, out); err != nil {
				return err
			}
		}
	default:
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal flow output: %w", err)
		}
		if err := filelock.AtomicWrite(docPath, append(data, '\n')); err != nil {
			return err
		}
	}

	summary := struct {
		FlowUUID  string        `json:"flow_uuid"`
		FlowName  string        `json:"flow_name"`
		TotalJobs int           `json:"total_jobs"`
		Completed int           `json:"completed"`
		Failed    int           `json:"failed"`
		Duration  time.Duration `json:"duration"`
	}{
		FlowUUID:  result.FlowUUID,
		FlowName:  result.FlowName,
		TotalJobs: result.TotalJobs,
		Completed: result.Completed,
		Failed:    result.Failed,
		Duration:  result.Duration,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	summaryPath := filepath.Join(outputDir, fmt.Sprintf("%s-summary.json", base))
	return filelock.LockAndWrite(summaryPath, append(data, '\n'))
}

// sanitizeName turns a flow name into a safe file name component.
func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "flow"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "flow"
	}
	return b.String()
}
