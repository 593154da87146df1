package main

import (
	"fmt"
	"time"

	"github.com/debench/debench/core/infra/config"
	"github.com/spf13/cobra"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect distributed locks",
	}
	cmd.AddCommand(newLocksPeekCommand(), newLocksCleanupCommand())
	return cmd
}

func newLocksPeekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peek ID",
		Short: "Show whether a lock is held and by whom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()
			if !a.lock.Peek(cmd.Context(), args[0]) {
				fmt.Fprintf(out, "%s: free\n", args[0])
				return nil
			}
			rec := a.lock.Inspect(cmd.Context(), args[0])
			if rec == nil {
				fmt.Fprintf(out, "%s: held\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s: held by %s until %s\n", args[0], rec.HolderID, rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newLocksCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired lock rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", a.lock.CleanupExpired(cmd.Context()))
			return nil
		},
	}
}
