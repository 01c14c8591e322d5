package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ferrante/matflow/internal/parser"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Validate one or more workflow files",
		Long: `Parse and validate workflow documents, checking for:
  - Required fields (kind, structure, calculator)
  - Known workflow kinds and calculator names
  - Readable structure files
  - Valid stage options (MD ensembles, thermostats, schedules)

Exit code: 0 if all documents are valid, 1 if errors are found`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateWorkflows(args, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	return cmd
}

// validateWorkflows parses and builds every document, reporting problems
// per file. Building exercises the full path: structure loading,
// calculator construction, and stage option validation.
func validateWorkflows(paths []string, output io.Writer) error {
	failures := 0
	for _, path := range paths {
		doc, err := parser.ParseFile(path)
		if err != nil {
			fmt.Fprintf(output, "✗ %s: %v\n", path, err)
			failures++
			continue
		}
		if _, err := doc.Build(); err != nil {
			fmt.Fprintf(output, "✗ %s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Fprintf(output, "✓ %s: %s workflow, calculator %s\n", path, doc.Kind, doc.Calculator.Name)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d workflow file(s) invalid", failures, len(paths))
	}
	return nil
}
