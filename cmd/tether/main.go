package main

import (
	"fmt"
	"os"

	"github.com/harun/tether/internal/cli"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	// Respect container CPU quotas before anything spawns goroutines.
	undo, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set GOMAXPROCS: %v\n", err)
	}
	defer undo()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		undo()
		os.Exit(1)
	}
}
