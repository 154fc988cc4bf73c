package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/quotefall/internal/monitoring"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show configured sources and their live health",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		snap := monitoring.NewCollector(env.Engine).Collect()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tCIRCUIT\tOK\tFAIL\tMIN USED\tBURST USED\tDAY USED")
		for _, s := range snap.Sources {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d/%d\t%d/%d\t%d\n",
				s.SourceID, s.Name, s.Priority, s.CircuitState,
				s.Successes, s.Failures,
				s.Rate.MinuteUsed, s.Rate.MinuteCeiling,
				s.Rate.BurstUsed, s.Rate.BurstCeiling,
				s.Rate.DayUsed,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
