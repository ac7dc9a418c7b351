package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"vidqueue/internal/api"
	"vidqueue/internal/broker"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
	"vidqueue/internal/objectstore"
	"vidqueue/internal/publisher"
	"vidqueue/internal/upload"
)

func newAPICommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run an HTTP API replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd.Context(), ctx, bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Override api.bind")
	return cmd
}

func runAPI(cmdCtx context.Context, ctx *commandContext, bindOverride string) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if bind := strings.TrimSpace(bindOverride); bind != "" {
		cfg.API.Bind = bind
	}
	logger, err := processLogger(cfg, "api")
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		logger.Error("open ledger", logging.Error(err))
		return err
	}
	defer store.Close()

	b, err := broker.Open(signalCtx, cfg, consumerID("api"), logger)
	if err != nil {
		logger.Error("connect broker", logging.Error(err))
		return err
	}
	defer b.Close()

	objects, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		return err
	}
	if err := objects.EnsureBucket(signalCtx); err != nil {
		logging.WarnWithContext(logger, "object store bucket unavailable", "bucket_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check object_store endpoint and credentials"),
			logging.String(logging.FieldImpact, "uploads and downloads fail until the bucket is reachable"),
		)
	}

	pub := publisher.New(b, store, logger, publisher.OptionsFromConfig(cfg)...)
	coordinator := upload.New(cfg, store, objects, pub, logger)

	deps := api.Deps{
		Jobs:    coordinator,
		Counter: store,
		Depth:   b,
		Metrics: metrics.NewAPI(store, b, cfg.Broker.Queue, logger),
		Checks: []api.Check{
			{Name: "ledger", Probe: store.Ping},
			{Name: "broker", Probe: func(ctx context.Context) error {
				_, err := b.Depth(ctx)
				return err
			}},
			{Name: "object_store", Probe: objects.Ping},
		},
	}
	if cfg.RedisEnabled() && cfg.API.RateLimit > 0 {
		limiter := broker.NewRedisClient(cfg.Redis)
		defer limiter.Close()
		deps.Limiter = limiter
	}

	server, err := api.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	if err := server.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("api replica shutting down", logging.String(logging.FieldEventType, "api_stopping"))
	server.Stop()
	return nil
}
