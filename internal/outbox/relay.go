package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/store"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events delivered to the message sink",
	}, []string{"topic"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Failed outbox publish attempts",
	}, []string{"topic"})

	eventsStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_events_stuck",
		Help: "Unprocessed outbox events that reached the retry ceiling",
	})
)

type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetries    int
	PurgeInterval time.Duration
	Retention     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		BatchSize:     100,
		MaxRetries:    5,
		PurgeInterval: time.Hour,
		Retention:     7 * 24 * time.Hour,
	}
}

// Store is what the relay needs from persistence.
type Store interface {
	store.OutboxStore
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Relay publishes staged events on a fixed timer. An event that keeps failing
// stays unprocessed once it reaches MaxRetries and is only reported.
type Relay struct {
	store  Store
	pub    Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewRelay(s Store, pub Publisher, cfg Config, logger *zap.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Relay{store: s, pub: pub, cfg: cfg, logger: logger.Named("outbox"), now: time.Now}
}

// Run blocks until ctx is cancelled. The first pass runs immediately.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	r.logger.Info("relay started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Int("max_retries", r.cfg.MaxRetries))

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return nil
		case <-ticker.C:
			r.pass(ctx)
		case <-purge.C:
			if err := r.Purge(ctx); err != nil {
				r.logger.Error("purge failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) pass(ctx context.Context) {
	if _, _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("relay pass failed", zap.Error(err))
	}
}

// ProcessBatch publishes one batch and returns how many events were
// delivered and how many failed.
func (r *Relay) ProcessBatch(ctx context.Context) (published, failed int, err error) {
	events, err := r.store.FetchUnprocessed(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		return 0, 0, errors.Wrap(err, "fetch unprocessed events")
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		pubErr := r.pub.Publish(ctx, ev.Topic, ev.PartitionKey, ev.Payload, Headers(ev))
		if pubErr == nil {
			if err := r.store.MarkProcessed(ctx, ev.ID, r.now().UTC()); err != nil {
				// Published but not marked: the next pass delivers it again.
				r.logger.Warn("mark processed failed", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			eventsPublished.WithLabelValues(ev.Topic).Inc()
			published++
			continue
		}

		failed++
		publishFailures.WithLabelValues(ev.Topic).Inc()
		count, err := r.store.RecordOutboxFailure(ctx, ev.ID, pubErr.Error())
		if err != nil {
			r.logger.Error("record publish failure", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		fields := []zap.Field{
			zap.String("event_id", ev.ID),
			zap.String("topic", ev.Topic),
			zap.Int("retry_count", count),
			zap.Error(pubErr),
		}
		if count >= r.cfg.MaxRetries {
			r.logger.Error("event reached retry ceiling, left for manual inspection", fields...)
		} else {
			r.logger.Warn("publish failed", fields...)
		}
	}

	stuck, err := r.store.CountStuck(ctx, r.cfg.MaxRetries)
	if err != nil {
		return published, failed, errors.Wrap(err, "count stuck events")
	}
	eventsStuck.Set(float64(stuck))
	return published, failed, nil
}

// Purge deletes processed events past the retention window and expired
// idempotency records.
func (r *Relay) Purge(ctx context.Context) error {
	now := r.now().UTC()
	events, err := r.store.PurgeProcessed(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return errors.Wrap(err, "purge processed events")
	}
	keys, err := r.store.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		return errors.Wrap(err, "purge expired idempotency records")
	}
	r.logger.Info("purge complete", zap.Int64("events", events), zap.Int64("idempotency_keys", keys))
	return nil
}
