package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/uds"
)

// stopWait bounds how long stop waits for the engine to finish draining.
const stopWait = 30 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running engine to shut down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mendDir, err := resolveMendDir()
		if err != nil {
			return err
		}
		client := controlClient(mendDir)

		resp, err := client.Call(uds.CmdShutdown, nil)
		if err != nil {
			return fmt.Errorf("engine not reachable (is it running?): %w", err)
		}
		if err := resp.Err(); err != nil {
			return err
		}
		fmt.Println("Stop requested, waiting for the engine to drain...")

		deadline := time.Now().Add(stopWait)
		for time.Now().Before(deadline) {
			if resp, err := client.Call(uds.CmdPing, nil); err != nil || resp.Err() != nil {
				fmt.Println("Engine stopped")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Println("Engine is still draining; check 'mend status'")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
