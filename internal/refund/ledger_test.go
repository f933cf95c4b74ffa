package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safar/order-desk/internal/events"
	"github.com/safar/order-desk/internal/models"
)

// memStore serialises ApplyRefund calls the way a row lock would.
type memStore struct {
	mu       sync.Mutex
	order    models.Order
	refunds  []models.Refund
	failWith error
}

func newMemStore(order models.Order) *memStore {
	return &memStore{order: order}
}

func (s *memStore) snapshot() models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOrder(s.order)
}

func copyOrder(order models.Order) models.Order {
	order.Items = append([]models.OrderItem(nil), order.Items...)
	return order
}

func (s *memStore) ApplyRefund(_ context.Context, orderID int64, decide func(models.Order) (*Write, error)) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if orderID != s.order.ID {
		return nil, fmt.Errorf("order %d not found", orderID)
	}

	write, err := decide(copyOrder(s.order))
	if err != nil {
		return nil, err
	}
	if s.failWith != nil {
		return nil, s.failWith
	}

	rec := models.Refund{
		ID:               fmt.Sprintf("refund-%d", len(s.refunds)+1),
		OrderID:          orderID,
		Amount:           write.TotalRefundedDelta,
		ItemAmount:       write.ItemAmount,
		TaxAmount:        write.TaxAmount,
		ShippingAmount:   write.ShippingAmount,
		ShippingRefunded: write.ShippingRefunded,
		Restock:          write.Restock,
		Reason:           write.Reason,
		CreatedByUserID:  write.ActorID,
		CreatedAt:        write.CreatedAt,
	}
	for _, delta := range write.Items {
		for i := range s.order.Items {
			if s.order.Items[i].ID == delta.ItemID {
				s.order.Items[i].RefundedQuantity += delta.Quantity
			}
		}
		rec.Items = append(rec.Items, models.RefundItem{
			OrderItemID: delta.ItemID,
			Quantity:    delta.Quantity,
			Amount:      delta.Amount,
			Tax:         delta.Tax,
		})
	}
	s.order.TotalRefunded = s.order.TotalRefunded.Add(write.TotalRefundedDelta)
	s.order.ShippingRefunded = s.order.ShippingRefunded || write.ShippingRefunded
	s.refunds = append(s.refunds, rec)

	return &rec, nil
}

type restockCall struct {
	itemID   int64
	quantity int
}

type memRestocker struct {
	mu    sync.Mutex
	calls []restockCall
}

func (r *memRestocker) Restock(_ context.Context, itemID int64, quantity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, restockCall{itemID: itemID, quantity: quantity})
}

func TestApplyFullRefund(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(singleItemOrder())
	restocker := &memRestocker{}
	recorder := &events.Recorder{}
	ledger := NewLedger(store, restocker, recorder)

	order := store.snapshot()
	p := NewProposal(order)
	p.SelectAll(order)
	p.RefundShipping = true
	p.Reason = "damaged in transit"

	result, err := ledger.Apply(ctx, order.ID, p, true, 7)
	require.NoError(t, err)

	assert.True(t, result.Refund.Amount.Equal(dec("60.00")))
	assert.True(t, result.TotalRefunded.Equal(dec("60.00")))
	assert.True(t, result.Refund.ShippingRefunded)
	assert.Equal(t, "damaged in transit", result.Refund.Reason)
	assert.Equal(t, int64(7), result.Refund.CreatedByUserID)

	after := store.snapshot()
	assert.Equal(t, 10, after.Items[0].RefundedQuantity)
	assert.True(t, after.TotalRefunded.Equal(dec("60.00")))
	assert.True(t, after.ShippingRefunded)

	assert.Equal(t, []restockCall{{itemID: 11, quantity: 10}}, restocker.calls)

	require.Len(t, recorder.Events, 1)
	assert.Equal(t, events.TypeRefundApplied, recorder.Events[0].Type)
	assert.True(t, recorder.Events[0].Amount.Equal(dec("60.00")))
}

func TestApplyWithoutRestock(t *testing.T) {
	store := newMemStore(singleItemOrder())
	restocker := &memRestocker{}
	ledger := NewLedger(store, restocker, nil)

	order := store.snapshot()
	p := NewProposal(order)
	p.Select(order, 11, true)
	p.SetQuantity(order, 11, 2)

	result, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	require.NoError(t, err)

	assert.True(t, result.Refund.Amount.Equal(dec("10.80")))
	assert.False(t, result.Refund.Restock)
	assert.Empty(t, restocker.calls)
}

func TestApplyRejectsStaleBasis(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(singleItemOrder())
	recorder := &events.Recorder{}
	ledger := NewLedger(store, nil, recorder)

	order := store.snapshot()
	first := NewProposal(order)
	first.Select(order, 11, true)
	first.SetQuantity(order, 11, 2)

	second := NewProposal(order)
	second.Select(order, 11, true)
	second.SetQuantity(order, 11, 3)

	_, err := ledger.Apply(ctx, order.ID, first, false, 1)
	require.NoError(t, err)
	before := store.snapshot()

	_, err = ledger.Apply(ctx, order.ID, second, false, 1)
	assert.ErrorIs(t, err, ErrStaleProposal)

	after := store.snapshot()
	assert.Equal(t, before.Items[0].RefundedQuantity, after.Items[0].RefundedQuantity)
	assert.True(t, before.TotalRefunded.Equal(after.TotalRefunded))

	require.Len(t, recorder.Events, 2)
	assert.Equal(t, events.TypeRefundRejected, recorder.Events[1].Type)
	assert.Equal(t, "stale_proposal", recorder.Events[1].Reason)

	rebuilt := NewProposal(after)
	rebuilt.Select(after, 11, true)
	rebuilt.SetQuantity(after, 11, 3)
	_, err = ledger.Apply(ctx, order.ID, rebuilt, false, 1)
	assert.NoError(t, err)
}

func TestApplyWithoutBasisChecksRemaining(t *testing.T) {
	order := singleItemOrder()
	order.Items[0].RefundedQuantity = 8
	order.TotalRefunded = dec("43.20")
	store := newMemStore(order)
	ledger := NewLedger(store, nil, nil)

	p := Proposal{Lines: map[int64]LineSelection{11: {Selected: true, Quantity: 3}}}
	_, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	assert.ErrorIs(t, err, ErrStaleProposal)

	p.Lines[11] = LineSelection{Selected: true, Quantity: 2}
	result, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	require.NoError(t, err)
	assert.True(t, result.Refund.Amount.Equal(dec("10.80")))
}

func TestApplyRejectsUnknownItem(t *testing.T) {
	store := newMemStore(singleItemOrder())
	ledger := NewLedger(store, nil, nil)

	p := Proposal{Lines: map[int64]LineSelection{404: {Selected: true, Quantity: 1}}}
	_, err := ledger.Apply(context.Background(), 1, p, false, 1)
	assert.ErrorIs(t, err, ErrStaleProposal)
}

func TestApplyRejectsRepeatedShippingRefund(t *testing.T) {
	order := singleItemOrder()
	order.ShippingRefunded = true
	order.TotalRefunded = dec("6.00")
	store := newMemStore(order)
	ledger := NewLedger(store, nil, nil)

	p := Proposal{
		Lines:          map[int64]LineSelection{11: {Selected: true, Quantity: 1}},
		RefundShipping: true,
	}
	_, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	assert.ErrorIs(t, err, ErrStaleProposal)
}

func TestApplyNothingToRefund(t *testing.T) {
	store := newMemStore(singleItemOrder())
	recorder := &events.Recorder{}
	ledger := NewLedger(store, nil, recorder)

	order := store.snapshot()
	_, err := ledger.Apply(context.Background(), order.ID, NewProposal(order), true, 1)
	assert.ErrorIs(t, err, ErrNothingToRefund)
	assert.Empty(t, store.refunds)

	require.Len(t, recorder.Events, 1)
	assert.Equal(t, "nothing_to_refund", recorder.Events[0].Reason)
}

func TestApplyExceedsAvailable(t *testing.T) {
	order := singleItemOrder()
	order.TotalRefunded = dec("55.00")
	store := newMemStore(order)
	ledger := NewLedger(store, nil, nil)

	p := NewProposal(order)
	p.Select(order, 11, true)
	p.SetQuantity(order, 11, 2)

	_, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	assert.ErrorIs(t, err, ErrExceedsAvailable)
	assert.True(t, store.snapshot().TotalRefunded.Equal(dec("55.00")))
}

func TestApplyPersistenceFailure(t *testing.T) {
	store := newMemStore(singleItemOrder())
	store.failWith = errors.New("connection reset")
	restocker := &memRestocker{}
	recorder := &events.Recorder{}
	ledger := NewLedger(store, restocker, recorder)

	order := store.snapshot()
	p := NewProposal(order)
	p.SelectAll(order)

	_, err := ledger.Apply(context.Background(), order.ID, p, true, 1)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.ErrorIs(t, err, store.failWith)
	assert.Empty(t, restocker.calls)
	assert.Empty(t, recorder.Events)
	assert.Zero(t, store.snapshot().Items[0].RefundedQuantity)
}

func TestRepeatedPartialRefundsStayBounded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(singleItemOrder())
	ledger := NewLedger(store, nil, nil)

	previous := store.snapshot().TotalRefunded
	for i := 0; i < 4; i++ {
		order := store.snapshot()
		p := NewProposal(order)
		p.Select(order, 11, true)
		p.SetQuantity(order, 11, 3)
		p.RefundShipping = i == 0

		_, err := ledger.Apply(ctx, order.ID, p, false, 1)
		require.NoError(t, err, "refund %d", i)

		after := store.snapshot()
		assert.True(t, after.TotalRefunded.GreaterThanOrEqual(previous))
		assert.True(t, after.TotalRefunded.LessThanOrEqual(after.Total))
		assert.LessOrEqual(t, after.Items[0].RefundedQuantity, after.Items[0].Quantity)
		previous = after.TotalRefunded
	}

	final := store.snapshot()
	assert.Equal(t, 10, final.Items[0].RefundedQuantity)
	assert.True(t, final.TotalRefunded.Equal(final.Total))

	p := NewProposal(final)
	p.SelectAll(final)
	_, err := ledger.Apply(ctx, final.ID, p, false, 1)
	assert.ErrorIs(t, err, ErrNothingToRefund)
}

func TestConcurrentApplyForLastUnits(t *testing.T) {
	order := models.Order{
		ID:            9,
		Subtotal:      dec("25.00"),
		TaxTotal:      dec("2.00"),
		Total:         dec("27.00"),
		TotalRefunded: dec("0"),
		Items: []models.OrderItem{
			{ID: 91, Quantity: 5, UnitPrice: dec("5.00"), TotalPrice: dec("25.00")},
		},
	}
	store := newMemStore(order)
	ledger := NewLedger(store, nil, nil)

	p := NewProposal(order)
	p.SelectAll(order)

	concurrency := 2
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	staleCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, ErrStaleProposal):
			staleCount++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successCount)
	assert.Equal(t, 1, staleCount)

	final := store.snapshot()
	assert.Equal(t, 5, final.Items[0].RefundedQuantity)
	assert.True(t, final.TotalRefunded.Equal(dec("27.00")))
}

// cancelAfterCommit cancels the caller's context as soon as the wrapped
// store has committed.
type cancelAfterCommit struct {
	*memStore
	cancel context.CancelFunc
}

func (s *cancelAfterCommit) ApplyRefund(ctx context.Context, orderID int64, decide func(models.Order) (*Write, error)) (*models.Refund, error) {
	rec, err := s.memStore.ApplyRefund(ctx, orderID, decide)
	s.cancel()
	return rec, err
}

type ctxRestocker struct {
	errs []error
}

func (r *ctxRestocker) Restock(ctx context.Context, _ int64, _ int) {
	r.errs = append(r.errs, ctx.Err())
}

func TestApplyOutlivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := newMemStore(singleItemOrder())
	restocker := &ctxRestocker{}
	ledger := NewLedger(&cancelAfterCommit{memStore: mem, cancel: cancel}, restocker, nil)

	order := mem.snapshot()
	p := NewProposal(order)
	p.SelectAll(order)

	_, err := ledger.Apply(ctx, order.ID, p, true, 1)
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, 10, mem.snapshot().Items[0].RefundedQuantity)
	require.Len(t, restocker.errs, 1)
	assert.NoError(t, restocker.errs[0])
}

func TestApplyCancelledBeforeStartStillRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mem := newMemStore(singleItemOrder())
	ledger := NewLedger(&ctxCheckingStore{memStore: mem}, nil, nil)

	order := mem.snapshot()
	p := NewProposal(order)
	p.Select(order, 11, true)

	_, err := ledger.Apply(ctx, order.ID, p, false, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, mem.snapshot().Items[0].RefundedQuantity)
}

// ctxCheckingStore fails like database/sql does when handed a done context.
type ctxCheckingStore struct {
	*memStore
}

func (s *ctxCheckingStore) ApplyRefund(ctx context.Context, orderID int64, decide func(models.Order) (*Write, error)) (*models.Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memStore.ApplyRefund(ctx, orderID, decide)
}

// boundedStore rejects every write the way a violated CHECK constraint
// does in the database store.
type boundedStore struct {
	*memStore
}

func (s *boundedStore) ApplyRefund(ctx context.Context, orderID int64, decide func(models.Order) (*Write, error)) (*models.Refund, error) {
	if _, err := decide(s.snapshot()); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: refunded quantity out of bounds", ErrStaleProposal)
}

func TestApplyStorageBoundIsStale(t *testing.T) {
	mem := newMemStore(singleItemOrder())
	recorder := &events.Recorder{}
	ledger := NewLedger(&boundedStore{memStore: mem}, nil, recorder)

	order := mem.snapshot()
	p := NewProposal(order)
	p.SelectAll(order)

	_, err := ledger.Apply(context.Background(), order.ID, p, false, 1)
	assert.ErrorIs(t, err, ErrStaleProposal)
	assert.NotErrorIs(t, err, ErrPersistenceFailure)

	require.Len(t, recorder.Events, 1)
	assert.Equal(t, "stale_proposal", recorder.Events[0].Reason)
}
