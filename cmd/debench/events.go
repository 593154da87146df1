package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/buildinfo"
	"github.com/debench/debench/core/infra/config"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events",
	}
	cmd.AddCommand(newEventsWatchCommand())
	return cmd
}

func newEventsWatchCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events published by harness processes as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cfg.NatsURL == "" {
				return errors.New("NATS_URL is not set")
			}
			nb, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer nb.Close()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			unsubscribe, err := nb.Subscribe(subject, func(ev bus.Event) {
				mu.Lock()
				defer mu.Unlock()
				_ = enc.Encode(ev)
			})
			if err != nil {
				return err
			}
			defer func() { _ = unsubscribe() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", bus.SubjectPrefix+">", "NATS subject to follow")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}
