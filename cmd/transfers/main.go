package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/api"
	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/compensation"
	"github.com/punchamoorthee/transferops/internal/config"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/messaging"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/service"
	"github.com/punchamoorthee/transferops/internal/store"
)

func main() {
	cfg, err := config.Load(config.Transfers)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.NewLogger(config.Transfers)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("transfer service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx, store.SchemaTransfers); err != nil {
		return err
	}

	pub, err := messaging.NewPublisher(cfg.KafkaBrokers, string(config.Transfers), logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.ServiceKey, cfg.TokenTTL)
	client := accountclient.New(cfg.AccountServiceURL, cfg.ServiceKey, cfg.HTTPTimeout)
	queue := compensation.NewQueue(db, logger).WithClaimLease(cfg.CompensationClaimLease)
	transfers := service.NewTransferService(db, idempotency.NewKeeper(cfg.IdempotencyTTL), client, queue, service.Config{
		CompensationAttempts: cfg.CompensationAttempts,
		CompensationBackoff:  cfg.CompensationBackoff,
		DebitConfirmAttempts: cfg.DebitConfirmAttempts,
		FeeAmount:            cfg.FeeAmount,
	}, logger)
	worker := compensation.NewWorker(queue, client, cfg.CompensationInterval, logger)
	relay := outbox.NewRelay(db, pub, cfg.Outbox(), logger)

	router := api.NewRouter(api.NewTransferHandler(transfers, queue, authn, logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(ctx, ":"+cfg.Port, router, logger) })
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	return g.Wait()
}
