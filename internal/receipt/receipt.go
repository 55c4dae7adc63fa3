// Package receipt emits one receipt event per settled seller charge.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"storefront-checkout/internal/domain"
)

var ErrClosed = errors.New("receipt dispatcher closed")

type Line struct {
	PurchaseID    string `json:"purchaseId"`
	ProductID     string `json:"productId"`
	VariantID     string `json:"variantId,omitempty"`
	Quantity      int    `json:"quantity"`
	PriceCents    int64  `json:"priceCents"`
	DiscountCents int64  `json:"discountCents"`
	Bundled       bool   `json:"bundled,omitempty"`
}

// Event is the receipt payload for one charge.
type Event struct {
	OrderID      string    `json:"orderId"`
	ChargeID     string    `json:"chargeId"`
	SellerID     string    `json:"sellerId"`
	BuyerUserID  string    `json:"buyerUserId,omitempty"`
	BuyerGuestID string    `json:"buyerGuestId,omitempty"`
	Currency     string    `json:"currency"`
	AmountCents  int64     `json:"amountCents"`
	ProcessorID  string    `json:"processorId"`
	Lines        []Line    `json:"lines"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// FromCharge builds the receipt for a succeeded charge of order.
func FromCharge(order domain.Order, charge domain.Charge, issuedAt time.Time) Event {
	ev := Event{
		OrderID:     order.ID,
		ChargeID:    charge.ID,
		SellerID:    charge.SellerID,
		Currency:    charge.Currency,
		AmountCents: charge.AmountCents,
		ProcessorID: charge.ProcessorID,
		IssuedAt:    issuedAt,
	}
	if order.BuyerUserID != nil {
		ev.BuyerUserID = *order.BuyerUserID
	}
	if order.BuyerGuestID != nil {
		ev.BuyerGuestID = *order.BuyerGuestID
	}
	for _, p := range charge.Purchases {
		ev.Lines = append(ev.Lines, Line{
			PurchaseID:    p.ID,
			ProductID:     p.ProductID,
			VariantID:     p.VariantID,
			Quantity:      p.Quantity,
			PriceCents:    p.PriceCents,
			DiscountCents: p.DiscountCents,
			Bundled:       p.IsBundleConstituent(),
		})
	}
	return ev
}

type Dispatcher interface {
	Send(ctx context.Context, ev Event) error
}

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes receipts as JSON keyed by order id so every receipt of an
// order lands on the same partition.
type Kafka struct {
	writer Writer
	topic  string
	logger zerolog.Logger
	closed atomic.Bool
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	MaxAttempts  int
}

func NewKafka(cfg KafkaConfig, logger zerolog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				dialer := &kafka.Dialer{
					Timeout:   10 * time.Second,
					DualStack: true,
					KeepAlive: 30 * time.Second,
				}
				return dialer.DialContext(ctx, network, address)
			},
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msgf("kafka receipt writer: "+msg, args...)
		}),
	}
	return NewKafkaWithWriter(w, cfg.Topic, logger)
}

func NewKafkaWithWriter(w Writer, topic string, logger zerolog.Logger) *Kafka {
	return &Kafka{writer: w, topic: topic, logger: logger}
}

func (k *Kafka) Send(ctx context.Context, ev Event) error {
	if k.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal receipt %s: %w", ev.ChargeID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "charge_id", Value: []byte(ev.ChargeID)},
			{Key: "seller_id", Value: []byte(ev.SellerID)},
		},
		Time: ev.IssuedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish receipt %s to %s: %w", ev.ChargeID, k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.writer.Close()
}

// Log writes receipts to the logger. Used when no broker is configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, ev Event) error {
	l.logger.Info().
		Str("order_id", ev.OrderID).
		Str("charge_id", ev.ChargeID).
		Str("seller_id", ev.SellerID).
		Int64("amount_cents", ev.AmountCents).
		Str("currency", ev.Currency).
		Int("lines", len(ev.Lines)).
		Msg("receipt issued")
	return nil
}
