// Package events carries the structured notifications raised by status
// changes and refunds. Producers only build Event values; rendering them is
// left to the Sink implementations.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/order-desk/internal/models"
)

type Type string

const (
	TypeStatusChanged  Type = "StatusChanged"
	TypeRefundApplied  Type = "RefundApplied"
	TypeRefundRejected Type = "RefundRejected"
)

type Event struct {
	Type     Type
	OrderID  int64
	ActorID  int64
	From     models.OrderStatus
	To       models.OrderStatus
	Note     string
	RefundID string
	Amount   decimal.Decimal
	Reason   string
	At       time.Time
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

func StatusChanged(entry models.StatusHistoryEntry) Event {
	return Event{
		Type:    TypeStatusChanged,
		OrderID: entry.OrderID,
		ActorID: entry.ChangedByUserID,
		From:    entry.FromStatus,
		To:      entry.ToStatus,
		Note:    entry.Note,
		At:      entry.CreatedAt,
	}
}

func RefundApplied(refund models.Refund) Event {
	return Event{
		Type:     TypeRefundApplied,
		OrderID:  refund.OrderID,
		ActorID:  refund.CreatedByUserID,
		RefundID: refund.ID,
		Amount:   refund.Amount,
		Note:     refund.Reason,
		At:       refund.CreatedAt,
	}
}

// RefundRejected carries a short machine-readable reason such as
// "stale_proposal".
func RefundRejected(orderID, actorID int64, reason string, at time.Time) Event {
	return Event{
		Type:    TypeRefundRejected,
		OrderID: orderID,
		ActorID: actorID,
		Reason:  reason,
		At:      at,
	}
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(_ context.Context, event Event) {
	r.Events = append(r.Events, event)
}
