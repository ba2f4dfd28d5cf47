package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [runId]",
		Short: "Show a run's recorded state (latest run by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			var st *state.PipelineState
			if len(args) == 1 {
				st, err = store.Load(args[0])
			} else {
				st, err = store.LatestRun()
			}
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("no runs recorded")
				return nil
			}

			printRun(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

// printRun writes a run's details in a human-readable layout.
func printRun(w io.Writer, st *state.PipelineState) {
	fmt.Fprintln(w, renderSummary(st))
	fmt.Fprintf(w, "\n  trigger:  %s (%s)\n", st.Trigger.Type, st.Trigger.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "  started:  %s\n", st.StartTime.Format(time.RFC3339))
	if st.EndTime != nil {
		fmt.Fprintf(w, "  ended:    %s\n", st.EndTime.Format(time.RFC3339))
	}
	if st.Artifacts.InitialCommit != "" {
		fmt.Fprintf(w, "  commits:  %s -> %s\n", short(st.Artifacts.InitialCommit), short(st.Artifacts.FinalCommit))
	}
	if st.Artifacts.PRError != "" {
		fmt.Fprintf(w, "  pr error: %s\n", st.Artifacts.PRError)
	}

	fmt.Fprintln(w, "\n  stages:")
	for _, se := range st.Stages {
		line := fmt.Sprintf("    %-20s %-9s %6.1fs", se.StageName, se.Status, se.Duration)
		if se.CommitSha != "" {
			line += "  " + short(se.CommitSha)
		}
		if se.RetryAttempt > 0 {
			line += fmt.Sprintf("  (attempt %d)", se.RetryAttempt+1)
		}
		if se.Error != nil {
			line += "  " + se.Error.Message
		}
		fmt.Fprintln(w, line)
	}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// openStore locates the state store of the enclosing repository.
func openStore() (*state.Store, error) {
	vcs, err := gitx.NewClient("")
	if err != nil {
		return nil, err
	}
	repoRoot, err := repoTopLevel(vcs)
	if err != nil {
		return nil, err
	}
	cwd, _ := os.Getwd()
	settings := loadSettings(cwd)
	return state.NewStore(resolveBaseDir(repoRoot, settings)), nil
}
