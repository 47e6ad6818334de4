// docflow runs the document extraction service (serve) and drives local
// batches through the same orchestrator from the command line (run).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"docflow/internal/apperrors"
)

// Exit codes.
const (
	exitFailure    = 1
	exitUsage      = 2 // invalid flags, inputs or configuration
	exitIncomplete = 3 // the batch ran but some inputs failed or were cancelled
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return exitUsage
	case errors.Is(err, errIncomplete):
		return exitIncomplete
	default:
		return exitFailure
	}
}
