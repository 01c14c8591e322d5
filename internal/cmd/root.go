package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for matflow
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matflow",
		Short: "Materials science workflow engine",
		Long: `Matflow executes materials science workflows: geometry relaxations,
molecular dynamics, equation-of-state fits, and amorphous structure
generation.

Workflows are described in YAML documents naming an input structure, a
calculator, and the workflow kind. Jobs are scheduled in dependency
order and run in parallel waves.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
