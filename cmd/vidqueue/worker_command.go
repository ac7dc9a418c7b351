package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"vidqueue/internal/broker"
	"vidqueue/internal/config"
	"vidqueue/internal/daemon"
	"vidqueue/internal/health"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
	"vidqueue/internal/objectstore"
	"vidqueue/internal/preflight"
	"vidqueue/internal/publisher"
	"vidqueue/internal/transcode"
	"vidqueue/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a transcode worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), ctx)
		},
	}
}

func runWorker(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := processLogger(cfg, "worker")
	if err != nil {
		return err
	}
	if err := requireTranscodeBinaries(cfg); err != nil {
		logger.Error("transcode binaries missing", logging.Error(err))
		return err
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		logger.Error("open ledger", logging.Error(err))
		return err
	}

	id := consumerID("worker")
	b, err := broker.Open(signalCtx, cfg, id, logger)
	if err != nil {
		_ = store.Close()
		logger.Error("connect broker", logging.Error(err))
		return err
	}
	defer b.Close()

	objects, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		_ = store.Close()
		return err
	}

	recorder := metrics.NewWorker()
	invoker := transcode.New(cfg, objects, logger, transcode.WithMetrics(recorder))
	loop := worker.New(cfg, b, store, invoker, logger, worker.WithWorkerID(id), worker.WithMetrics(recorder))
	pub := publisher.New(b, store, logger, publisher.OptionsFromConfig(cfg)...)

	deps := daemon.Deps{
		Store:    store,
		Loop:     loop,
		Reporter: health.NewReporter(cfg, health.SystemSampler{}, logger),
		Metrics:  recorder.Handler(),
	}
	sweepOpts := []publisher.ReconcilerOption{publisher.WithStaleAfter(cfg.StaleAfter())}
	if rb, ok := b.(*broker.RedisBroker); ok {
		deps.Recoverer = rb
		sweepOpts = append(sweepOpts, publisher.WithRecoverer(rb))
	}
	deps.Sweeper = publisher.NewReconciler(store, pub, cfg.ReconcileGrace(), logger, sweepOpts...)

	d, err := daemon.New(cfg, deps, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create worker daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	var loopErr error
	select {
	case <-signalCtx.Done():
		logger.Info("worker shutting down", logging.String(logging.FieldEventType, "worker_stopping"))
	case loopErr = <-d.Done():
	}
	d.Stop()
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return nil
}

// requireTranscodeBinaries fails fast when ffmpeg (or ffprobe with
// verification on) is missing. Connectivity checks are left to the broker
// and object store clients, which retry.
func requireTranscodeBinaries(cfg *config.Config) error {
	var missing []string
	for _, r := range preflight.Failed(preflight.DependencyResults(preflight.CheckSystemDeps(cfg))) {
		missing = append(missing, fmt.Sprintf("%s (%s)", r.Name, r.Detail))
	}
	if len(missing) > 0 {
		return fmt.Errorf("required binaries unavailable: %s", strings.Join(missing, ", "))
	}
	return nil
}
