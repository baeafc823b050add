// Command mend is the fix-orchestration CLI and engine daemon in one
// binary. Subcommands either run the engine in the foreground (start) or
// talk to a running engine over its control socket.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
