package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/daemon"
	"github.com/mendcore/mend/internal/uds"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show live counters from the running engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mendDir, err := resolveMendDir()
		if err != nil {
			return err
		}
		resp, err := controlClient(mendDir).Call(uds.CmdStats, nil)
		if err != nil {
			return fmt.Errorf("engine not reachable (is it running?): %w", err)
		}
		if err := resp.Err(); err != nil {
			return err
		}
		var stats uds.StatsResult
		if err := resp.Decode(&stats); err != nil {
			return err
		}
		printStats(&stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func printStats(s *uds.StatsResult) {
	uptime := (time.Duration(s.UptimeSec) * time.Second).String()
	fmt.Printf("Engine: running (pid %d, up %s)\n", s.PID, uptime)

	fmt.Printf("\nQueues:\n")
	fmt.Printf("  %7s  %11s  %9s  %6s\n", "PENDING", "IN_PROGRESS", "COMPLETED", "FAILED")
	fmt.Printf("  %7d  %11d  %9d  %6d\n",
		s.Queues.Pending, s.Queues.InProgress, s.Queues.Completed, s.Queues.Failed)

	fmt.Printf("\nCounters: enqueued=%d processed=%d succeeded=%d failed=%d escalated=%d retries=%d\n",
		s.Enqueued, s.Processed, s.Succeeded, s.Failed, s.Escalated, s.Retries)
	fmt.Printf("Success rate: %.0f%%\n", 100*daemon.SuccessRate(s.Succeeded, s.Processed))

	if len(s.OpenBreakers) > 0 {
		fmt.Printf("\nOpen breakers:\n")
		for _, key := range s.OpenBreakers {
			fmt.Printf("  %s\n", key)
		}
	}
	if s.EventsDropped > 0 {
		fmt.Printf("\nEvents dropped: %d\n", s.EventsDropped)
	}
}
