// Package main is the entry point for the snapchain CLI.
package main

import (
	"fmt"
	"os"

	"github.com/thoreinstein/snapchain/cmd/snapchain/commands"
	"github.com/thoreinstein/snapchain/internal/errors"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(report(err))
	}
}

// report prints err and its suggestion, and returns the exit code.
func report(err error) int {
	code := errors.ExitUser
	var exitErr *errors.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
		// The command already reported its outcome.
		if exitErr.Err == nil && exitErr.Suggestion == "" {
			return code
		}
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if exitErr != nil && exitErr.Err != nil && exitErr.Suggestion != "" {
		fmt.Fprintln(os.Stderr, exitErr.Suggestion)
	}
	return code
}
