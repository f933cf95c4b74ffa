package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/safar/order-desk/internal/models"
)

// Table maps each status to the statuses it may move to next. Pairs that
// are not listed are illegal.
type Table map[models.OrderStatus][]models.OrderStatus

// KanbanStatusOrder is the column order of the fulfillment board.
var KanbanStatusOrder = []models.OrderStatus{
	models.OrderStatusNew,
	models.OrderStatusPrint,
	models.OrderStatusPickingUp,
	models.OrderStatusProcessing,
	models.OrderStatusShipping,
	models.OrderStatusDelivered,
}

// DefaultTable is the fulfillment pipeline with MISSING and REFUND reachable
// from every open status.
func DefaultTable() Table {
	exits := []models.OrderStatus{models.OrderStatusMissing, models.OrderStatusRefund}
	step := func(next models.OrderStatus) []models.OrderStatus {
		return append([]models.OrderStatus{next}, exits...)
	}

	return Table{
		models.OrderStatusNew:        step(models.OrderStatusPrint),
		models.OrderStatusPrint:      step(models.OrderStatusPickingUp),
		models.OrderStatusPickingUp:  step(models.OrderStatusProcessing),
		models.OrderStatusProcessing: step(models.OrderStatusShipping),
		models.OrderStatusShipping:   step(models.OrderStatusDelivered),
		models.OrderStatusDelivered:  {},
		models.OrderStatusMissing:    {},
		models.OrderStatusRefund:     {},
	}
}

func (t Table) Allows(from, to models.OrderStatus) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves the status.
func (t Table) Terminal(status models.OrderStatus) bool {
	return len(t[status]) == 0
}

func (t Table) Validate() error {
	if _, ok := t[models.OrderStatusNew]; !ok {
		return fmt.Errorf("transition table has no entry for initial status %s", models.OrderStatusNew)
	}

	for from, targets := range t {
		if !from.Valid() {
			return fmt.Errorf("unknown status %q", from)
		}
		for _, to := range targets {
			if !to.Valid() {
				return fmt.Errorf("unknown status %q in transitions of %s", to, from)
			}
			if to == from {
				return fmt.Errorf("self transition on %s", from)
			}
		}
	}

	return nil
}

// LoadTable reads a transition table from a YAML document of the form
//
//	NEW: [PRINT, MISSING]
//	PRINT: [PICKING_UP]
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transition table: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse transition table: %w", err)
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("validate transition table: %w", err)
	}

	return table, nil
}
