package app

import (
	"github.com/spf13/cobra"
)

// NewQuikcovCommand creates the root command for the quikcov tool.
func NewQuikcovCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quikcov",
		Short: "Block-coverage driver for GCC-instrumented binaries.",
		Long: `quikcov decodes a target's .gcno/.gcda coverage data, reconstructs its
control-flow graph, and replays a seed corpus against it under an
LD_PRELOAD interposition library that captures coverage writes in memory
instead of letting them race the filesystem.`,
	}

	cmd.AddCommand(NewRunCommand())

	return cmd
}
