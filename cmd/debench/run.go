package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/debench/debench/core/infra/buildinfo"
	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/infra/metrics"
	"github.com/debench/debench/core/orchestrator"
	"github.com/debench/debench/core/pool"
	"github.com/debench/debench/core/runner"
	"github.com/spf13/cobra"
)

const defaultSweepInterval = time.Minute

func newRunCommand() *cobra.Command {
	var (
		harnessPath string
		workers     int
		sweep       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every test in a harness file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if harnessPath == "" {
				harnessPath = cfg.HarnessPath
			}
			return runHarness(cmd.Context(), cmd.OutOrStdout(), cfg, harnessPath, workers, sweep)
		},
	}
	cmd.Flags().StringVarP(&harnessPath, "config", "c", "", "harness YAML file (default $DEBENCH_CONFIG_PATH)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel tests, overrides the harness file")
	cmd.Flags().DurationVar(&sweep, "sweep-interval", defaultSweepInterval, "how often to reclaim expired locks and lapsed allocations (0 disables)")
	return cmd
}

func runHarness(ctx context.Context, out io.Writer, cfg *config.Config, harnessPath string, workers int, sweep time.Duration) error {
	buildinfo.Log("debench")
	h, err := config.LoadHarness(harnessPath)
	if err != nil {
		return err
	}
	if h.Model == nil {
		return fmt.Errorf("harness %s has no model command", harnessPath)
	}
	if workers <= 0 {
		workers = h.Workers
	}

	var m metrics.Metrics = metrics.Noop{}
	if cfg.MetricsAddr != "" {
		m = metrics.NewProm("debench")
	}
	a, err := openApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.close()

	reg, err := buildRegistry(ctx, a, harnessTypes(h))
	if err != nil {
		return err
	}
	tests, err := runner.FromHarness(h, reg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(
		orchestrator.WithHolder(a.holder),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithEvents(a.events),
	)
	runner.ApplyCustomConfigs(h, orch.SetCustomConfig)

	ctx, stop := orch.HandleSignals(ctx)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}
	if sweep > 0 {
		var opts []pool.SweeperOption
		if a.provider != nil {
			opts = append(opts, pool.WithReclaim(hibernateLapsed(a.provider)))
		}
		go pool.NewSweeper(a.pool, cfg.LockTimeout, sweep, opts...).Start(ctx)
	}

	driver := runner.NewDriver(orch, runner.CommandModelRunner{Spec: *h.Model},
		runner.WithWorkers(workers),
		runner.WithHolder(a.holder),
		runner.WithMetrics(a.metrics),
		runner.WithEvents(a.events),
	)
	results, err := driver.Run(ctx, tests)
	if err != nil {
		return err
	}
	if err := printResults(out, results); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, r := range results {
		if r.Status != runner.StatusPassed {
			return errTestsFailed
		}
	}
	return nil
}

func printResults(out io.Writer, results []runner.Result) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tSTATUS\tDURATION\tERROR")
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), msg)
	}
	return tw.Flush()
}
