package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/uds"
)

var dirFlag string

var rootCmd = &cobra.Command{
	Use:   "mend",
	Short: "mend - autonomous fix orchestration",
	Long: `mend watches a project for changes, drives an external fix pipeline
(plan, fix, verify) with retries and a per-subject circuit breaker, and
escalates what it cannot fix. State survives restarts in .mend/.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "project root (default: nearest ancestor containing .mend)")
}

// resolveMendDir locates the .mend directory for every command except init:
// the --dir flag wins, otherwise ancestors of the working directory are
// searched the way git finds .git.
func resolveMendDir() (string, error) {
	if dirFlag != "" {
		abs, err := filepath.Abs(dirFlag)
		if err != nil {
			return "", fmt.Errorf("resolve --dir: %w", err)
		}
		candidate := config.Dir(abs)
		if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
			return "", fmt.Errorf("no %s directory in %s (run 'mend init' first)", config.DirName, abs)
		}
		return candidate, nil
	}
	if found := findMendDir(); found != "" {
		return found, nil
	}
	return "", fmt.Errorf("no %s directory found (run 'mend init' first)", config.DirName)
}

func findMendDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, config.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func controlClient(mendDir string) *uds.Client {
	c := uds.NewClient(config.SocketFile(mendDir))
	c.SetTimeout(5 * time.Second)
	return c
}
