package commands

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/DEEJ4Y/batchjob/cmd/batchjobd/commands.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show batchjobd version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		info := map[string]string{
			"version":  Version,
			"commit":   Commit,
			"go":       runtime.Version(),
			"platform": runtime.GOOS + "/" + runtime.GOARCH,
		}
		if jsonOutput {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "batchjobd %s (%s)\n", Version, Commit)
		fmt.Fprintf(cmd.OutOrStdout(), "Platform: %s\n", info["platform"])
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s\n", info["go"])
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
