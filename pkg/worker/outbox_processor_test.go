package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository/memory"
	"github.com/jwalitptl/clinical-api/pkg/logger"
	"github.com/jwalitptl/clinical-api/pkg/messaging"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
)

type fakeBroker struct {
	mu        sync.Mutex
	fail      bool
	published map[string][]messaging.Envelope
}

func (b *fakeBroker) Publish(_ context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("broker down")
	}
	if b.published == nil {
		b.published = map[string][]messaging.Envelope{}
	}
	b.published[channel] = append(b.published[channel], message.(messaging.Envelope))
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBroker) Close() error                                            { return nil }

func newProcessor(store *memory.Store, broker *fakeBroker) *OutboxProcessor {
	return NewOutboxProcessor(store.Outbox(), broker, OutboxProcessorConfig{
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: 2,
		MaxDeliveries: 2,
	}, logger.Nop(), metrics.NewNop())
}

func enqueue(t *testing.T, store *memory.Store, eventType string) *model.OutboxEvent {
	t.Helper()
	evt := &model.OutboxEvent{
		EventType:   eventType,
		AggregateID: uuid.New(),
		Payload:     json.RawMessage(`{"version":1}`),
	}
	require.NoError(t, store.Outbox().Create(context.Background(), evt))
	return evt
}

func TestProcessPendingPublishesAndMarksProcessed(t *testing.T) {
	store := memory.NewStore()
	broker := &fakeBroker{}
	evt := enqueue(t, store, model.EventChartConsolidated)

	require.NoError(t, newProcessor(store, broker).ProcessPending(context.Background()))

	require.Len(t, broker.published[model.EventChartConsolidated], 1)
	require.Len(t, broker.published[AllEventsChannel], 1)
	got := broker.published[model.EventChartConsolidated][0]
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, evt.AggregateID, got.AggregateID)
	assert.JSONEq(t, `{"version":1}`, string(got.Payload))

	pending, err := store.Outbox().GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailedEventStaysPendingThenFails(t *testing.T) {
	store := memory.NewStore()
	broker := &fakeBroker{fail: true}
	enqueue(t, store, model.EventRecordClosed)
	p := newProcessor(store, broker)
	ctx := context.Background()

	require.NoError(t, p.ProcessPending(ctx))
	pending, err := store.Outbox().GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, p.ProcessPending(ctx))
	pending, err = store.Outbox().GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retry(ctx, 3, time.Hour, func() error {
		calls++
		return errors.New("nope")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
