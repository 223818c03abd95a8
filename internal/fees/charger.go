// Package fees charges a flat fee for every realized transfer, at most once
// per transfer.
package fees

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/domain"
)

var feesCharged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fees_charged_total",
	Help: "Fee events by outcome",
}, []string{"outcome"})

// Debiter posts the fee debit on the origin account.
type Debiter interface {
	PostMovement(ctx context.Context, req accountclient.MovementRequest) error
}

// FeeKey is the idempotency key of the fee debit for a transfer.
func FeeKey(transferID string) string {
	return "tarifa-" + transferID
}

type Charger struct {
	store   *Store
	debiter Debiter
	logger  *zap.Logger
	now     func() time.Time
}

func NewCharger(s *Store, d Debiter, logger *zap.Logger) *Charger {
	return &Charger{store: s, debiter: d, logger: logger.Named("fees"), now: time.Now}
}

// Charge debits the fee announced in ev unless it was already charged. A
// rejected debit is logged and dropped; a failed call is returned so the
// message is redelivered.
func (c *Charger) Charge(ctx context.Context, ev domain.TransferRealized) error {
	log := c.logger.With(zap.String("transfer_id", ev.TransferID))
	if !ev.FeeAmount.IsPositive() {
		feesCharged.WithLabelValues("no_fee").Inc()
		return nil
	}

	charged, err := c.store.Charged(ctx, ev.TransferID)
	if err != nil {
		return err
	}
	if charged {
		feesCharged.WithLabelValues("duplicate").Inc()
		log.Debug("fee already charged")
		return nil
	}

	amount := domain.RoundMoney(ev.FeeAmount)
	err = c.debiter.PostMovement(ctx, accountclient.MovementRequest{
		AccountID:      ev.OriginAccountID,
		IdempotencyKey: FeeKey(ev.TransferID),
		Kind:           domain.Debit,
		Amount:         amount,
	})
	if err != nil {
		if code := domain.CodeOf(err); code != domain.CodeInternal {
			feesCharged.WithLabelValues("rejected").Inc()
			log.Warn("fee debit rejected", zap.String("code", string(code)), zap.Error(err))
			return nil
		}
		return err
	}

	err = c.store.Record(ctx, Fee{
		ID:         domain.NewID(),
		TransferID: ev.TransferID,
		AccountID:  ev.OriginAccountID,
		Amount:     amount,
		CreatedAt:  c.now().UTC(),
	})
	if err != nil {
		// The debit key makes the redelivered charge a replay.
		return err
	}
	feesCharged.WithLabelValues("charged").Inc()
	log.Info("fee charged", zap.String("amount", amount.StringFixed(domain.MoneyPlaces)))
	return nil
}

// HandleMessage decodes a transfer-realized message and charges it.
func (c *Charger) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev domain.TransferRealized
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.TransferID == "" {
		feesCharged.WithLabelValues("malformed").Inc()
		c.logger.Error("malformed transfer event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	return c.Charge(ctx, ev)
}
