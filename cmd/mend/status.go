package main

import (
	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/status"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine, queue, and breaker status",
	Long: `Status reads the persisted state document and pings the control socket,
so it works whether or not the engine is running. A recorded engine that
does not answer the socket is reported as stale.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mendDir, err := resolveMendDir()
		if err != nil {
			return err
		}
		return status.Run(mendDir, statusJSON)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
