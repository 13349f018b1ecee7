package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
	"github.com/xenking/marketplace-orders/internal/domain/order"
	"github.com/xenking/marketplace-orders/internal/domain/product"
)

// --- Test doubles ---

type call struct {
	op      string
	orderID string
	reason  string
}

type fakeOrders struct {
	mu         sync.Mutex
	calls      []call
	confirmErr []error
	cancelErr  []error
}

func (f *fakeOrders) ConfirmOrder(_ context.Context, id string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "confirm", orderID: id})
	return nil, pop(&f.confirmErr)
}

func (f *fakeOrders) CancelOrder(_ context.Context, id, reason string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "cancel", orderID: id, reason: reason})
	return nil, pop(&f.cancelErr)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

// --- Tests ---

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Event
		wantErr bool
	}{
		{
			name:  "approved",
			input: `{"id":"ev-1","type":"payment.approved","order_id":"o1","amount":{"value":"10.00"}}`,
			want:  Event{ID: "ev-1", Type: TypeApproved, OrderID: "o1"},
		},
		{
			name:  "declined with reason",
			input: `{"type":"payment.declined","id":"ev-2","order_id":"o1","reason":"card expired"}`,
			want:  Event{ID: "ev-2", Type: TypeDeclined, OrderID: "o1", Reason: "card expired"},
		},
		{
			name:  "null reason",
			input: `{"id":"ev-3","type":"payment.refunded","order_id":"o1","reason":null}`,
			want:  Event{ID: "ev-3", Type: TypeRefunded, OrderID: "o1"},
		},
		{name: "missing id", input: `{"type":"payment.approved","order_id":"o1"}`, wantErr: true},
		{name: "missing order", input: `{"id":"ev-4","type":"payment.approved"}`, wantErr: true},
		{name: "wrong field type", input: `{"id":1,"type":"payment.approved","order_id":"o1"}`, wantErr: true},
		{name: "not json", input: `payment approved`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_Handle(t *testing.T) {
	infra := errors.New("connection reset")

	tests := []struct {
		name       string
		event      Event
		confirmErr []error
		cancelErr  []error
		wantCalls  []call
		wantErr    error
	}{
		{
			name:      "approved confirms",
			event:     Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			wantCalls: []call{{op: "confirm", orderID: "o1"}},
		},
		{
			name:       "approved but stock gone cancels",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{product.ErrInsufficientStock},
			wantCalls: []call{
				{op: "confirm", orderID: "o1"},
				{op: "cancel", orderID: "o1", reason: ReasonStockUnavailable},
			},
		},
		{
			name:       "approved with lock contention is redelivered",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{order.ErrConcurrentStockConflict},
			wantCalls:  []call{{op: "confirm", orderID: "o1"}},
			wantErr:    order.ErrConcurrentStockConflict,
		},
		{
			name:       "approved for invalid order is dropped",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{order.ErrEmptyOrder},
			wantCalls:  []call{{op: "confirm", orderID: "o1"}},
		},
		{
			name:       "approved with exhausted coupon cancels",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{apperr.Errorf(apperr.CodeCouponExhausted, "used up")},
			wantCalls: []call{
				{op: "confirm", orderID: "o1"},
				{op: "cancel", orderID: "o1", reason: ReasonCouponRejected},
			},
		},
		{
			name:       "approved twice is a duplicate",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{order.ErrInvalidTransition},
			wantCalls:  []call{{op: "confirm", orderID: "o1"}},
		},
		{
			name:       "approved for unknown order is dropped",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{order.ErrNotFound},
			wantCalls:  []call{{op: "confirm", orderID: "o1"}},
		},
		{
			name:       "approved with infrastructure failure is retried",
			event:      Event{ID: "e", Type: TypeApproved, OrderID: "o1"},
			confirmErr: []error{infra},
			wantCalls:  []call{{op: "confirm", orderID: "o1"}},
			wantErr:    infra,
		},
		{
			name:      "declined cancels with reason",
			event:     Event{ID: "e", Type: TypeDeclined, OrderID: "o1", Reason: "insufficient funds"},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: "insufficient funds"}},
		},
		{
			name:      "declined without reason",
			event:     Event{ID: "e", Type: TypeDeclined, OrderID: "o1"},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: ReasonPaymentDeclined}},
		},
		{
			name:      "declined for delivered order is ignored",
			event:     Event{ID: "e", Type: TypeDeclined, OrderID: "o1"},
			cancelErr: []error{order.ErrInvalidTransition},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: ReasonPaymentDeclined}},
		},
		{
			name:      "declined with rejected cancellation is dropped",
			event:     Event{ID: "e", Type: TypeDeclined, OrderID: "o1"},
			cancelErr: []error{product.ErrInvalidQuantity},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: ReasonPaymentDeclined}},
		},
		{
			name:      "declined with infrastructure failure is retried",
			event:     Event{ID: "e", Type: TypeDeclined, OrderID: "o1"},
			cancelErr: []error{infra},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: ReasonPaymentDeclined}},
			wantErr:   infra,
		},
		{
			name:      "refunded cancels",
			event:     Event{ID: "e", Type: TypeRefunded, OrderID: "o1"},
			wantCalls: []call{{op: "cancel", orderID: "o1", reason: ReasonPaymentRefunded}},
		},
		{
			name:  "unknown type is ignored",
			event: Event{ID: "e", Type: "payment.pending", OrderID: "o1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &fakeOrders{confirmErr: tt.confirmErr, cancelErr: tt.cancelErr}
			h := NewHandler(orders, NewMemoryDeduper(time.Hour))

			err := h.Handle(context.Background(), tt.event)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, orders.calls)
		})
	}
}

func TestHandler_DeduplicatesByEventID(t *testing.T) {
	orders := &fakeOrders{}
	h := NewHandler(orders, NewMemoryDeduper(time.Hour))
	ev := Event{ID: "ev-1", Type: TypeApproved, OrderID: "o1"}

	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))
	assert.Len(t, orders.calls, 1)
}

func TestHandler_FailedEventIsProcessedAgain(t *testing.T) {
	orders := &fakeOrders{confirmErr: []error{errors.New("db down")}}
	h := NewHandler(orders, NewMemoryDeduper(time.Hour))
	ev := Event{ID: "ev-1", Type: TypeApproved, OrderID: "o1"}

	require.Error(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))
	assert.Len(t, orders.calls, 2)
}

type brokenDeduper struct{ err error }

func (d brokenDeduper) Seen(context.Context, string) (bool, error) { return false, d.err }

func (d brokenDeduper) Mark(context.Context, string) error { return d.err }

func TestHandler_UnreachableDedupeStore(t *testing.T) {
	orders := &fakeOrders{confirmErr: []error{errors.New("db down"), nil, order.ErrInvalidTransition}}
	h := NewHandler(orders, brokenDeduper{err: errors.New("redis down")})
	ev := Event{ID: "ev-1", Type: TypeApproved, OrderID: "o1"}
	ctx := context.Background()

	require.Error(t, h.Handle(ctx, ev))
	require.NoError(t, h.Handle(ctx, ev), "redelivery is applied")
	require.NoError(t, h.Handle(ctx, ev), "already confirmed order is a duplicate")
	assert.Len(t, orders.calls, 3)
}

func TestMemoryDeduper_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Minute)
	d.now = func() time.Time { return now }

	seen, err := d.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "a"))
	seen, err = d.Seen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(time.Minute)
	seen, err = d.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestConsumer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"id":"ev-1","type":"payment.approved","order_id":"o1"}`)},
			{Offset: 2, Value: []byte(`garbage`)},
			{Offset: 3, Value: []byte(`{"id":"ev-2","type":"payment.declined","order_id":"o2"}`)},
			{Offset: 4, Value: []byte(`{"id":"ev-1","type":"payment.approved","order_id":"o1"}`)},
		},
	}
	orders := &fakeOrders{cancelErr: []error{errors.New("timeout")}}
	c := NewConsumer(reader, NewHandler(orders, NewMemoryDeduper(time.Hour)),
		ConsumerOptions{Backoff: time.Millisecond})

	require.NoError(t, c.Run(ctx))
	assert.False(t, c.Running())

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.Equal(t, []call{
		{op: "confirm", orderID: "o1"},
		{op: "cancel", orderID: "o2", reason: ReasonPaymentDeclined},
		{op: "cancel", orderID: "o2", reason: ReasonPaymentDeclined},
	}, orders.calls)
}

func TestConsumer_RetriesUntilApplied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs:   []kafka.Message{{Offset: 7, Value: []byte(`{"id":"ev-1","type":"payment.approved","order_id":"o1"}`)}},
	}
	failures := make([]error, 8)
	for i := range failures {
		failures[i] = errors.New("db down")
	}
	orders := &fakeOrders{confirmErr: failures}
	c := NewConsumer(reader, NewHandler(orders, NewMemoryDeduper(time.Hour)),
		ConsumerOptions{Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	require.NoError(t, c.Run(ctx))
	assert.Len(t, orders.calls, 9)
	assert.Equal(t, []int64{7}, reader.committed)
}

func TestConsumer_ShutdownLeavesFailingMessageUncommitted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs:   []kafka.Message{{Offset: 3, Value: []byte(`{"id":"ev-1","type":"payment.approved","order_id":"o1"}`)}},
	}
	failures := make([]error, 10_000)
	for i := range failures {
		failures[i] = errors.New("db down")
	}
	c := NewConsumer(reader, NewHandler(&fakeOrders{confirmErr: failures}, NewMemoryDeduper(time.Hour)),
		ConsumerOptions{Backoff: time.Millisecond, MaxBackoff: time.Millisecond})

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, reader.committed)
}

func TestConsumer_FetchError(t *testing.T) {
	boom := errors.New("broker gone")
	c := NewConsumer(errReader{err: boom}, NewHandler(&fakeOrders{}, NewMemoryDeduper(0)), ConsumerOptions{})
	require.ErrorIs(t, c.Run(context.Background()), boom)
}

type errReader struct{ err error }

func (r errReader) FetchMessage(context.Context) (kafka.Message, error) { return kafka.Message{}, r.err }

func (r errReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
