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
	"github.com/punchamoorthee/transferops/internal/config"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/fees"
	"github.com/punchamoorthee/transferops/internal/messaging"
)

func main() {
	cfg, err := config.Load(config.Fees)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.NewLogger(config.Fees)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fee service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feeStore, err := fees.OpenStore(cfg.FeeDBPath)
	if err != nil {
		return err
	}
	defer feeStore.Close()

	client := accountclient.New(cfg.AccountServiceURL, cfg.ServiceKey, cfg.HTTPTimeout)
	charger := fees.NewCharger(feeStore, client, logger)

	consumer, err := messaging.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup,
		[]string{domain.TopicTransfersRealized}, charger.HandleMessage, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.ServiceKey, cfg.TokenTTL)
	router := api.NewRouter(api.NewFeeHandler(feeStore, authn, logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(ctx, ":"+cfg.Port, router, logger) })
	g.Go(func() error { return consumer.Run(ctx) })
	return g.Wait()
}
