package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/publisher"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Republish stranded pending jobs and reclaim jobs from silent workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(cfg *config.Config, store *ledger.Store) error {
				logger, err := processLogger(cfg, "reconcile")
				if err != nil {
					return err
				}
				b, err := broker.Open(cmd.Context(), cfg, consumerID("reconcile"), logger)
				if err != nil {
					return fmt.Errorf("connect broker: %w", err)
				}
				defer b.Close()

				if !cmd.Flags().Changed("grace") {
					grace = cfg.ReconcileGrace()
				}
				pub := publisher.New(b, store, logger, publisher.OptionsFromConfig(cfg)...)
				opts := []publisher.ReconcilerOption{publisher.WithStaleAfter(cfg.StaleAfter())}
				if rb, ok := b.(*broker.RedisBroker); ok {
					opts = append(opts, publisher.WithRecoverer(rb))
				}
				enqueued, err := publisher.NewReconciler(store, pub, grace, logger, opts...).Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]int{"enqueued": enqueued})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Republished %d job(s)\n", enqueued)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Only republish jobs created at least this long ago (default reconcile_grace)")
	return cmd
}
