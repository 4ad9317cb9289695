package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mesosim",
	Short: "mesosim runs one worker process of a spatial stochastic simulation",
	Long: `mesosim is a spatial stochastic reaction-diffusion simulator. Each
invocation runs one worker process owning a partition of the mesh; workers
exchange boundary diffusion events over websockets and stay synchronized
within a configurable time window.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "worker.yaml", "Path to the worker configuration file")
}
