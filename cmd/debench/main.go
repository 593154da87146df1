package main

import (
	"context"
	"errors"
	"os"

	"github.com/debench/debench/core/infra/logging"
	"github.com/spf13/cobra"
)

// errTestsFailed makes the process exit non-zero without printing twice.
var errTestsFailed = errors.New("one or more tests did not pass")

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		switch {
		case errors.Is(err, errTestsFailed):
			os.Exit(2)
		case errors.Is(err, context.Canceled):
			logging.Warn("debench", "interrupted")
			os.Exit(130)
		default:
			logging.Error("debench", "command failed", "error", err)
			os.Exit(1)
		}
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "debench",
		Short:         "Benchmark harness for data-engineering agents",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newRunCommand(),
		newPoolCommand(),
		newLocksCommand(),
		newEventsCommand(),
		newVersionCommand(),
	)
	return root
}
