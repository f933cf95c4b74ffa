package workflow

import (
	"context"

	"github.com/safar/order-desk/internal/events"
	"github.com/safar/order-desk/internal/models"
)

// StatusStore persists status changes. ChangeStatus must lock the order,
// call decide with its current state and, when decide succeeds, store the
// new status and the returned history entry in the same transaction.
type StatusStore interface {
	ChangeStatus(ctx context.Context, orderID int64, decide func(models.Order) (models.StatusHistoryEntry, error)) (*models.StatusHistoryEntry, error)
}

type Service struct {
	store   StatusStore
	machine *Machine
	sink    events.Sink
}

func NewService(store StatusStore, machine *Machine, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Service{store: store, machine: machine, sink: sink}
}

func (s *Service) Machine() *Machine {
	return s.machine
}

func (s *Service) ChangeStatus(ctx context.Context, orderID int64, target models.OrderStatus, note string, actorID int64) (*models.StatusHistoryEntry, error) {
	entry, err := s.store.ChangeStatus(ctx, orderID, func(order models.Order) (models.StatusHistoryEntry, error) {
		return s.machine.Transition(order, target, note, actorID)
	})
	if err != nil {
		return nil, err
	}

	s.sink.Emit(ctx, events.StatusChanged(*entry))
	return entry, nil
}
