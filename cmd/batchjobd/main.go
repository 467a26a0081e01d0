package main

import (
	"fmt"
	"os"

	"github.com/DEEJ4Y/batchjob/cmd/batchjobd/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "batchjobd",
	Short: "batchjobd - tenant-aware batch job scheduler",
	Long: `batchjobd runs the batch job scheduler of one replica.

Every replica evaluates the job definitions of all tenants on each tick,
claims due fire-times through the shared entry store and runs the job
bodies over HTTP. After a tick that dispatched work the next tick is
handed to a peer through the load balancer.

Available commands:
  serve   - Run the scheduler and its tick endpoint
  eval    - Show the fire-times of a schedule in the current window
  version - Show version information

Configuration is read from --config (TOML or YAML) and BATCHJOB_*
environment variables, e.g. BATCHJOB_STORE_DRIVER=mongodb.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (TOML or YAML)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.EvalCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
