package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/order-desk/internal/events"
	"github.com/safar/order-desk/internal/models"
)

type ItemDelta struct {
	ItemID    int64
	ProductID int64
	Quantity  int
	Amount    decimal.Decimal
	Tax       decimal.Decimal
}

// Write is the refund delta handed to the store: per-item quantity
// increments plus the order-level bookkeeping.
type Write struct {
	Items              []ItemDelta
	TotalRefundedDelta decimal.Decimal
	ItemAmount         decimal.Decimal
	TaxAmount          decimal.Decimal
	ShippingAmount     decimal.Decimal
	ShippingRefunded   bool
	Restock            bool
	Reason             string
	ActorID            int64
	CreatedAt          time.Time
}

// Store persists refunds. ApplyRefund must lock the order, load its current
// items, call decide with that state and, if decide succeeds, persist the
// returned Write atomically. An error from decide must abort the
// transaction and be returned unchanged. A write rejected by the storage
// bounds is reported as ErrStaleProposal.
type Store interface {
	ApplyRefund(ctx context.Context, orderID int64, decide func(models.Order) (*Write, error)) (*models.Refund, error)
}

// Restocker receives restock signals after a refund commits. Failures are
// the implementation's concern.
type Restocker interface {
	Restock(ctx context.Context, itemID int64, quantity int)
}

type Result struct {
	Refund        models.Refund   `json:"refund"`
	Totals        Totals          `json:"totals"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
}

type Ledger struct {
	store     Store
	restocker Restocker
	sink      events.Sink
	now       func() time.Time
}

func NewLedger(store Store, restocker Restocker, sink events.Sink) *Ledger {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Ledger{store: store, restocker: restocker, sink: sink, now: time.Now}
}

// Apply re-validates proposal against the order as currently stored and
// applies it in one transaction. Rejections leave the order untouched.
// Apply never retries; on ErrStaleProposal the caller rebuilds the proposal
// from a fresh read. Once started it runs to completion even if ctx is
// cancelled, restock signals included.
func (l *Ledger) Apply(ctx context.Context, orderID int64, proposal Proposal, restockItems bool, actorID int64) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		verdict error
		result  Result
	)

	refund, err := l.store.ApplyRefund(ctx, orderID, func(order models.Order) (*Write, error) {
		write, totals, err := l.decide(order, proposal, restockItems, actorID)
		if err != nil {
			verdict = err
			return nil, err
		}
		result.Totals = totals
		result.TotalRefunded = order.TotalRefunded.Add(write.TotalRefundedDelta)
		return write, nil
	})
	if verdict == nil && errors.Is(err, ErrStaleProposal) {
		verdict = err
	}
	if verdict != nil {
		l.sink.Emit(ctx, events.RefundRejected(orderID, actorID, rejectionReason(verdict), l.now().UTC()))
		return nil, verdict
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	result.Refund = *refund
	l.sink.Emit(ctx, events.RefundApplied(*refund))

	if restockItems && l.restocker != nil {
		for _, item := range refund.Items {
			l.restocker.Restock(ctx, item.OrderItemID, item.Quantity)
		}
	}

	return &result, nil
}

func (l *Ledger) decide(order models.Order, proposal Proposal, restockItems bool, actorID int64) (*Write, Totals, error) {
	if proposal.Basis != nil {
		if err := proposal.Basis.check(order); err != nil {
			return nil, Totals{}, err
		}
	}

	for itemID, line := range proposal.Lines {
		if !line.Selected {
			continue
		}
		item, ok := order.Item(itemID)
		if !ok {
			return nil, Totals{}, fmt.Errorf("%w: item %d is not part of order %d", ErrStaleProposal, itemID, order.ID)
		}
		if line.Quantity < 0 || line.Quantity > item.RemainingQuantity() {
			return nil, Totals{}, fmt.Errorf("%w: item %d has %d left, proposal wants %d",
				ErrStaleProposal, itemID, item.RemainingQuantity(), line.Quantity)
		}
	}

	if proposal.RefundShipping && order.ShippingRefunded {
		return nil, Totals{}, fmt.Errorf("%w: shipping already refunded", ErrStaleProposal)
	}

	totals := BuildTotals(order, proposal)
	if err := totals.Validate(); err != nil {
		return nil, Totals{}, err
	}

	amount := totals.AmountToApply()
	if order.TotalRefunded.Add(amount).GreaterThan(order.Total) {
		return nil, Totals{}, fmt.Errorf("%w: applying %s would exceed order total %s",
			ErrExceedsAvailable, amount.StringFixed(2), order.Total.StringFixed(2))
	}

	write := &Write{
		TotalRefundedDelta: amount,
		ItemAmount:         totals.TotalItemRefund,
		TaxAmount:          totals.TotalTaxRefund,
		ShippingAmount:     totals.ShippingRefund,
		ShippingRefunded:   proposal.RefundShipping,
		Restock:            restockItems,
		Reason:             proposal.Reason,
		ActorID:            actorID,
		CreatedAt:          l.now().UTC(),
	}

	for _, line := range totals.Lines {
		if line.Quantity == 0 {
			continue
		}
		item, _ := order.Item(line.ItemID)
		write.Items = append(write.Items, ItemDelta{
			ItemID:    line.ItemID,
			ProductID: item.ProductID,
			Quantity:  line.Quantity,
			Amount:    line.RefundTotal,
			Tax:       line.RefundTax,
		})
	}

	return write, totals, nil
}
