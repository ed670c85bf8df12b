// Mnemosyne - persistent agent memory and orchestration
package main

import (
	"fmt"
	"os"

	"github.com/mnemosyne-dev/mnemosyne/cmd"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes rejected input (1) from runtime failures (2);
// success is the usual 0.
func exitCode(err error) int {
	if types.CodeOf(err) == types.VALIDATION_FAILED {
		return 1
	}
	return 2
}
