// Package cli wires the Corvus command tree. Commands are thin: they
// assemble dependencies and delegate to the engine; all pipeline semantics
// live below this package.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/logging"
)

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	verbose bool
	quiet   bool
	jsonLog bool
}

// NewRootCmd builds the corvus command tree.
func NewRootCmd(version string) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "corvus",
		Short: "Agent pipeline orchestrator",
		Long: `Corvus executes YAML-defined pipelines of AI coding agents against a
git repository: stages run as subprocesses in an isolated worktree, their
changes are committed per stage, and the run ends with a branch push, a
pull request, or a local merge.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(flags.verbose, flags.quiet, flags.jsonLog)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "only log errors")
	pf.BoolVar(&flags.jsonLog, "log-json", false, "log as NDJSON (for CI)")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newRunsCmd(),
		newValidateCmd(),
	)
	return root
}
