package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/setup"
)

var initNameFlag string

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Scaffold a .mend directory with default config and empty state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := setup.Run(dir, initNameFlag); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		abs, _ := filepath.Abs(dir)
		fmt.Printf("Initialized %s in %s\n", config.DirName, abs)
		fmt.Printf("Edit %s, then run 'mend start'.\n", config.ConfigFile(config.Dir(abs)))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initNameFlag, "name", "", "project name (default: directory basename)")
	rootCmd.AddCommand(initCmd)
}
