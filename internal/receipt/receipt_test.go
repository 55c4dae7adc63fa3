package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/domain"
)

type stubWriter struct {
	msgs   []kafka.Message
	err    error
	closed int
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed++
	return nil
}

func sampleEvent() Event {
	user := "u1"
	bundle := "p-bundle"
	order := domain.Order{ID: "o1", BuyerUserID: &user}
	charge := domain.Charge{
		ID: "c1", SellerID: "s1", Currency: "usd", AmountCents: 2500, ProcessorID: "pi_1",
		Purchases: []domain.Purchase{
			{ID: "p-bundle", ProductID: "bundle", Quantity: 1, PriceCents: 2500},
			{ID: "p-a", ProductID: "a", Quantity: 1, BundlePurchaseID: &bundle},
		},
	}
	return FromCharge(order, charge, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
}

func TestFromCharge(t *testing.T) {
	ev := sampleEvent()
	assert.Equal(t, "u1", ev.BuyerUserID)
	require.Len(t, ev.Lines, 2)
	assert.False(t, ev.Lines[0].Bundled)
	assert.True(t, ev.Lines[1].Bundled)
}

func TestKafkaPublishesKeyedByOrder(t *testing.T) {
	w := &stubWriter{}
	k := NewKafkaWithWriter(w, "receipts", zerolog.Nop())

	require.NoError(t, k.Send(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "o1", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, int64(2500), decoded.AmountCents)

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	assert.Equal(t, 1, w.closed)
	require.ErrorIs(t, k.Send(context.Background(), sampleEvent()), ErrClosed)
}

func TestKafkaWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker unavailable")
	k := NewKafkaWithWriter(&stubWriter{err: boom}, "receipts", zerolog.Nop())
	require.ErrorIs(t, k.Send(context.Background(), sampleEvent()), boom)
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf))
	require.NoError(t, l.Send(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), `"charge_id":"c1"`)
}
