package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sitepull/internal/engine"
)

var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 2
	exitTransfer = 3 // network/HTTP failure or incomplete transfer
	exitInternal = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd := &cobra.Command{
		Use:   "sitepull",
		Short: "Pull a site's files and database over HTTP into a single archive",
		Long: `sitepull copies a site's content directory and relational database to the
local machine using nothing but an HTTP endpoint and a shared access key.

Run "sitepull serve" next to the site, then "sitepull pull URL" anywhere.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetArgs(args)
	rootCmd.AddCommand(newPullCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDocsCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

// exitCode maps a pull outcome to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrNetwork),
		errors.Is(err, engine.ErrIncomplete),
		errors.Is(err, context.Canceled):
		return exitTransfer
	default:
		return exitInternal
	}
}

type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
