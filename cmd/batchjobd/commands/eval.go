package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// EvalCmd prints the fire-times a schedule yields in one tick window.
var EvalCmd = &cobra.Command{
	Use:   "eval <schedule>",
	Short: "Show the fire-times of a schedule in the current window",
	Long: `Evaluate a five-field schedule the way a tick does and print the
fire timestamps inside [now, now + interval + lookahead].

Examples:
  batchjobd eval "0 * * * *"
  batchjobd eval 30 23 '*' '*' '*' --now 2024-01-15T23:29:30Z
  batchjobd eval "0 9 * * mon-fri" --interval 24h`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEval,
}

func init() {
	EvalCmd.Flags().String("now", "", "Evaluation time in RFC 3339 (default: current time)")
	EvalCmd.Flags().Duration("interval", time.Minute, "Tick interval")
	EvalCmd.Flags().Duration("lookahead", 30*time.Second, "Window extension past the interval")
}

func runEval(cmd *cobra.Command, args []string) error {
	fields, err := batchjob.ParseSchedule(strings.Join(args, " "))
	if err != nil {
		return err
	}

	now := time.Now()
	if s, _ := cmd.Flags().GetString("now"); s != "" {
		if now, err = time.Parse(time.RFC3339, s); err != nil {
			return errors.Wrapf(err, "invalid --now %q", s)
		}
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	lookahead, _ := cmd.Flags().GetDuration("lookahead")
	end := batchjob.Window(now, interval, lookahead)

	timestamps, err := batchjob.NextFireTimestamps(fields, now, end)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "window %s .. %s\n", now.Format(time.RFC3339), end.Format(time.RFC3339))
	if len(timestamps) == 0 {
		fmt.Fprintln(out, "no fire-times")
		return nil
	}
	for _, ts := range timestamps {
		at, _ := batchjob.FireTime(ts, now.Location())
		fmt.Fprintf(out, "%s  %s\n", ts, at.Format(time.RFC3339))
	}
	return nil
}
