// Package notify delivers withdrawal release events to the payout
// collaborator.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/withdrawal"
)

// ReleaseEvent is the payload published for a released withdrawal.
// Consumers deduplicate on WithdrawalID.
type ReleaseEvent struct {
	WithdrawalID string    `json:"withdrawal_id"`
	AccountID    string    `json:"account_id"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Method       string    `json:"method"`
	ApprovedBy   string    `json:"approved_by"`
	ApprovedAt   time.Time `json:"approved_at"`
}

func newReleaseEvent(req withdrawal.Request) ReleaseEvent {
	ev := ReleaseEvent{
		WithdrawalID: req.ID,
		AccountID:    string(req.AccountID),
		Amount:       req.Amount.String(),
		Currency:     "SC",
		Method:       req.Method,
	}
	if req.AdminDecision != nil {
		ev.ApprovedBy = req.AdminDecision.ActorID
		ev.ApprovedAt = req.AdminDecision.At
	}
	return ev
}

// =============================================================================
// KAFKA
// =============================================================================

// Kafka publishes release events with a synchronous producer, so a release
// only completes once the broker acknowledged the event.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// DialKafka connects a producer that waits for all in-sync replicas.
func DialKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafka(producer, topic), nil
}

func (k *Kafka) NotifyRelease(ctx context.Context, req withdrawal.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(newReleaseEvent(req))
	if err != nil {
		return fmt.Errorf("encode release event: %w", err)
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(req.ID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publish release event: %w", err)
	}

	log.WithFields(log.Fields{
		"withdrawal": req.ID,
		"topic":      k.topic,
		"partition":  partition,
		"offset":     offset,
	}).Info("payout release published")
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

// =============================================================================
// LOG
// =============================================================================

// Log only records releases. Used when no broker is configured.
type Log struct{}

func (Log) NotifyRelease(_ context.Context, req withdrawal.Request) error {
	ev := newReleaseEvent(req)
	log.WithFields(log.Fields{
		"withdrawal":  ev.WithdrawalID,
		"account":     ev.AccountID,
		"amount":      ev.Amount,
		"method":      ev.Method,
		"approved_by": ev.ApprovedBy,
	}).Info("payout release (log only)")
	return nil
}
