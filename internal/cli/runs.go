package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

type runsFlags struct {
	pipeline string
	status   string
	limit    int
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}
	cmd.AddCommand(newRunsListCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	flags := &runsFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			runs, err := store.List(state.Filter{
				Pipeline: flags.pipeline,
				Status:   flags.status,
				Limit:    flags.limit,
			})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tSTARTED\tDURATION\tSTAGES\tCONFIG")
			for _, st := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					st.RunID,
					st.PipelineConfig.Name,
					st.Status,
					st.StartTime.Format(time.RFC3339),
					formatDuration(st.Artifacts.TotalDuration),
					len(st.Stages),
					short(st.ConfigHash),
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&flags.pipeline, "pipeline", "", "filter by pipeline name")
	cmd.Flags().StringVar(&flags.status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&flags.limit, "limit", 20, "maximum runs to list (0 = all)")
	return cmd
}
