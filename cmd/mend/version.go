package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden by -ldflags at release build time.
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mend version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mend version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
