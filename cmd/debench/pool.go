package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/pool"
	"github.com/spf13/cobra"
)

func newPoolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and repair the deployment pool",
	}
	cmd.AddCommand(newPoolListCommand(), newPoolReleaseCommand(), newPoolRemoveCommand(), newPoolSweepCommand())
	return cmd
}

func newPoolListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pool entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			entries := a.pool.GetAll(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tSTATE\tALLOCATED TO\tPID\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Name, e.ID, e.State, e.AllocatedTo, e.PID, e.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPoolReleaseCommand() *cobra.Command {
	var newID string
	cmd := &cobra.Command{
		Use:   "release NAME",
		Short: "Force an allocated entry back to hibernating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.pool.Release(cmd.Context(), args[0], 0, newID) {
				return fmt.Errorf("deployment %s was not released", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&newID, "id", "", "record a new deployment id")
	return cmd
}

func newPoolRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Stop tracking a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.pool.Remove(cmd.Context(), args[0]) {
				return fmt.Errorf("deployment %s is not tracked", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newPoolSweepCommand() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired locks and allocations whose process is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), config.Load(), nil)
			if err != nil {
				return err
			}
			defer a.close()
			n := pool.NewSweeper(a.pool, grace, time.Minute).Tick(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Minute, "ignore allocations younger than this")
	return cmd
}
