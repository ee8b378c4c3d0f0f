package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"icsreminder/internal/ics"
)

var (
	checkCount    int
	checkTimezone string
)

func init() {
	checkCmd.Flags().IntVarP(&checkCount, "count", "n", 5, "Number of upcoming occurrences to print")
	checkCmd.Flags().StringVar(&checkTimezone, "timezone", "UTC", "Zone for floating times and output")
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <file.ics>",
	Short: "Parse a calendar file and show when it would fire",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	loc, err := time.LoadLocation(checkTimezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", checkTimezone, err)
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	ev, err := ics.Parse(raw, loc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Summary: %s\n", ev.Summary())
	if ev.RRule() != "" {
		fmt.Fprintf(out, "Rule:    %s\n", ev.RRule())
	}
	fmt.Fprintf(out, "\n%s\n", ev.Serialize())

	upcoming := ev.Upcoming(time.Now().In(loc), checkCount)
	if len(upcoming) == 0 {
		fmt.Fprintln(out, "No upcoming occurrences.")
		return nil
	}
	fmt.Fprintln(out, "Upcoming:")
	for _, t := range upcoming {
		fmt.Fprintf(out, "  %s\n", t.In(loc).Format(time.RFC3339))
	}
	return nil
}
