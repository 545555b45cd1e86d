package main

import (
	"context"
	"fmt"
	"os"

	"subaru/internal/subaru"
)

// Entry point. Everything interesting lives in internal/subaru; main only
// sets up the run context and hands off to the command dispatcher. Signal
// handling is installed by the session guard once a build actually starts.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := subaru.LoadAndInitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read config: %v\n", err)
	}

	os.Exit(subaru.HandleCommand(ctx, cancel, os.Args[1:]))
}
