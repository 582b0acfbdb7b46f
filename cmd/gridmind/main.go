// Command gridmind runs, serves and inspects the grid-world active-inference
// engine.
package main

import (
	"fmt"
	"os"
)

// Version information, set with -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// #region main
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// #endregion main
