package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/transferops/internal/api"
	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/config"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/ledger"
	"github.com/punchamoorthee/transferops/internal/messaging"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/service"
	"github.com/punchamoorthee/transferops/internal/store"
)

func main() {
	cfg, err := config.Load(config.Accounts)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.NewLogger(config.Accounts)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("account service stopped", zap.Error(err))
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
	if err := db.Migrate(ctx, store.SchemaAccounts); err != nil {
		return err
	}

	pub, err := messaging.NewPublisher(cfg.KafkaBrokers, string(config.Accounts), logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.ServiceKey, cfg.TokenTTL)
	keeper := idempotency.NewKeeper(cfg.IdempotencyTTL)
	accounts := service.NewAccountService(db, authn, logger)
	movements := ledger.NewService(db, keeper, logger)
	relay := outbox.NewRelay(db, pub, cfg.Outbox(), logger)

	router := api.NewRouter(api.NewAccountHandler(accounts, movements, authn, logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(ctx, ":"+cfg.Port, router, logger) })
	g.Go(func() error { return relay.Run(ctx) })
	return g.Wait()
}
