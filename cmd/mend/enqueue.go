package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/model"
	"github.com/mendcore/mend/internal/uds"
)

var enqueueMessage string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <path>",
	Short: "Submit a manual fix task to the running engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mendDir, err := resolveMendDir()
		if err != nil {
			return err
		}
		params := uds.EnqueueParams{
			Subject:     args[0],
			Kind:        string(model.KindManual),
			Description: enqueueMessage,
		}
		resp, err := controlClient(mendDir).Call(uds.CmdEnqueue, params)
		if err != nil {
			return fmt.Errorf("engine not reachable (is it running?): %w", err)
		}
		if err := resp.Err(); err != nil {
			return err
		}
		var result uds.EnqueueResult
		if err := resp.Decode(&result); err != nil {
			return err
		}
		if result.Coalesced {
			fmt.Printf("Coalesced onto existing task %s\n", result.TaskID)
		} else {
			fmt.Printf("Enqueued task %s\n", result.TaskID)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueMessage, "message", "m", "", "description recorded on the task")
	rootCmd.AddCommand(enqueueCmd)
}
