package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Print a summary of a checkpoint file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := checkpoint.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rank:       %d\n", snap.Rank)
		fmt.Fprintf(out, "clock:      %.9g s\n", snap.Clock)
		fmt.Fprintf(out, "events:     %d\n", snap.Events)
		fmt.Fprintf(out, "elements:   %d\n", len(snap.Pools))
		fmt.Fprintf(out, "rules:      %d\n", len(snap.Rates))
		fmt.Fprintf(out, "in-flight:  %d\n", len(snap.InFlight))
		for _, m := range snap.InFlight {
			fmt.Fprintf(out, "  seq %d -> rank %d elem %d species %d delta %+d at %.9g\n",
				m.Seq, m.Receiver, m.TargetElem, m.Species, m.Delta, m.Timestamp)
		}
		if len(snap.Applied) > 0 {
			fmt.Fprintf(out, "applied watermarks:\n")
			for _, a := range snap.Applied {
				fmt.Fprintf(out, "  from rank %d: seq %d\n", a.Rank, a.Seq)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
