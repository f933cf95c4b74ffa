package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/safar/order-desk/internal/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type InvalidTransitionError struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Machine validates status changes against a Table. It holds no order state.
type Machine struct {
	table Table
	now   func() time.Time
}

func NewMachine(table Table) *Machine {
	return &Machine{table: table, now: time.Now}
}

// Transition returns the history entry for moving order to target. The
// order is not modified; the caller persists the entry and the new status
// together.
func (m *Machine) Transition(order models.Order, target models.OrderStatus, note string, actorID int64) (models.StatusHistoryEntry, error) {
	if target == order.Status || !m.table.Allows(order.Status, target) {
		return models.StatusHistoryEntry{}, &InvalidTransitionError{From: order.Status, To: target}
	}

	return models.StatusHistoryEntry{
		OrderID:         order.ID,
		FromStatus:      order.Status,
		ToStatus:        target,
		Note:            note,
		ChangedByUserID: actorID,
		CreatedAt:       m.now().UTC(),
	}, nil
}

func (m *Machine) Allowed(from models.OrderStatus) []models.OrderStatus {
	allowed := m.table[from]
	result := make([]models.OrderStatus, len(allowed))
	copy(result, allowed)
	return result
}
