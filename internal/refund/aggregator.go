package refund

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safar/order-desk/internal/models"
)

// LineSelection is the caller's edit state for one line item.
type LineSelection struct {
	Selected    bool            `json:"selected"`
	Quantity    int             `json:"quantity"`
	RefundTotal decimal.Decimal `json:"refund_total"`
	RefundTax   decimal.Decimal `json:"refund_tax"`
}

// Basis records the refund bookkeeping of the order snapshot a proposal was
// built from.
type Basis struct {
	TotalRefunded      decimal.Decimal `json:"total_refunded"`
	ShippingRefunded   bool            `json:"shipping_refunded"`
	RefundedQuantities map[int64]int   `json:"refunded_quantities"`
}

func basisOf(order models.Order) *Basis {
	quantities := make(map[int64]int, len(order.Items))
	for _, item := range order.Items {
		quantities[item.ID] = item.RefundedQuantity
	}
	return &Basis{
		TotalRefunded:      order.TotalRefunded,
		ShippingRefunded:   order.ShippingRefunded,
		RefundedQuantities: quantities,
	}
}

func (b *Basis) check(order models.Order) error {
	if !b.TotalRefunded.Equal(order.TotalRefunded) {
		return fmt.Errorf("%w: total refunded is %s, proposal assumed %s",
			ErrStaleProposal, order.TotalRefunded.StringFixed(2), b.TotalRefunded.StringFixed(2))
	}
	if b.ShippingRefunded != order.ShippingRefunded {
		return fmt.Errorf("%w: shipping refund state changed", ErrStaleProposal)
	}
	for _, item := range order.Items {
		if assumed, ok := b.RefundedQuantities[item.ID]; ok && assumed != item.RefundedQuantity {
			return fmt.Errorf("%w: item %d refunded quantity is %d, proposal assumed %d",
				ErrStaleProposal, item.ID, item.RefundedQuantity, assumed)
		}
	}
	return nil
}

// Proposal is the transient working set of a refund session. It is plain
// data owned by the caller; nothing here is persisted until Ledger.Apply.
type Proposal struct {
	Lines          map[int64]LineSelection `json:"lines"`
	RefundShipping bool                    `json:"refund_shipping"`
	Reason         string                  `json:"reason,omitempty"`
	RestockItems   bool                    `json:"restock_items"`
	Basis          *Basis                  `json:"basis,omitempty"`
}

// NewProposal starts a refund session against order: every line
// unselected with quantity zero, restocking on.
func NewProposal(order models.Order) Proposal {
	lines := make(map[int64]LineSelection, len(order.Items))
	for _, item := range order.Items {
		lines[item.ID] = LineSelection{}
	}
	return Proposal{
		Lines:        lines,
		RestockItems: true,
		Basis:        basisOf(order),
	}
}

// Select toggles a line. Selecting a line with no quantity picks everything
// that remains on it.
func (p *Proposal) Select(order models.Order, itemID int64, selected bool) {
	line := p.line(itemID)
	line.Selected = selected
	if selected && line.Quantity == 0 {
		if item, ok := order.Item(itemID); ok {
			line.Quantity = item.RemainingQuantity()
		}
	}
	p.Lines[itemID] = p.refresh(order, itemID, line)
}

// SetQuantity stores the requested quantity clamped to what remains.
func (p *Proposal) SetQuantity(order models.Order, itemID int64, quantity int) {
	line := p.line(itemID)
	line.Quantity = quantity
	p.Lines[itemID] = p.refresh(order, itemID, line)
}

// SelectAll selects every line at its full remaining quantity.
func (p *Proposal) SelectAll(order models.Order) {
	for _, item := range order.Items {
		p.Lines[item.ID] = p.refresh(order, item.ID, LineSelection{
			Selected: true,
			Quantity: item.RemainingQuantity(),
		})
	}
}

// Recompute refreshes every line's figures and returns the totals.
func (p *Proposal) Recompute(order models.Order) Totals {
	for itemID, line := range p.Lines {
		p.Lines[itemID] = p.refresh(order, itemID, line)
	}
	return BuildTotals(order, *p)
}

func (p *Proposal) line(itemID int64) LineSelection {
	if p.Lines == nil {
		p.Lines = make(map[int64]LineSelection)
	}
	return p.Lines[itemID]
}

func (p *Proposal) refresh(order models.Order, itemID int64, line LineSelection) LineSelection {
	item, ok := order.Item(itemID)
	if !ok {
		line.Quantity = 0
		line.RefundTotal = decimal.Zero
		line.RefundTax = decimal.Zero
		return line
	}

	calc := CalculateLine(item, line.Quantity, order.Subtotal, order.TaxTotal)
	line.Quantity = calc.Quantity
	line.RefundTotal = calc.RefundTotal
	line.RefundTax = calc.RefundTax
	return line
}

// Totals is the recomputed refund summary for a proposal.
type Totals struct {
	Lines                 []LineRefund    `json:"lines"`
	TotalItemRefund       decimal.Decimal `json:"total_item_refund"`
	TotalTaxRefund        decimal.Decimal `json:"total_tax_refund"`
	ShippingRefund        decimal.Decimal `json:"shipping_refund"`
	AmountAlreadyRefunded decimal.Decimal `json:"amount_already_refunded"`
	TotalAvailable        decimal.Decimal `json:"total_available"`
	TotalRefund           decimal.Decimal `json:"total_refund"`
	PayableRefund         decimal.Decimal `json:"payable_refund"`
}

// BuildTotals sums the selected lines of p against order. It has no side
// effects and never fails; use Validate before submitting.
func BuildTotals(order models.Order, p Proposal) Totals {
	t := Totals{
		TotalItemRefund: decimal.Zero,
		TotalTaxRefund:  decimal.Zero,
		ShippingRefund:  decimal.Zero,
	}

	for _, item := range order.Items {
		line, ok := p.Lines[item.ID]
		if !ok || !line.Selected {
			continue
		}
		calc := CalculateLine(item, line.Quantity, order.Subtotal, order.TaxTotal)
		t.Lines = append(t.Lines, calc)
		t.TotalItemRefund = t.TotalItemRefund.Add(calc.RefundTotal)
		t.TotalTaxRefund = t.TotalTaxRefund.Add(calc.RefundTax)
	}

	if p.RefundShipping && !order.ShippingRefunded {
		t.ShippingRefund = order.ShippingTotal
	}

	t.AmountAlreadyRefunded = order.TotalRefunded
	t.TotalAvailable = order.Total.Sub(order.TotalRefunded)
	t.TotalRefund = t.TotalItemRefund.Add(t.TotalTaxRefund).Add(t.ShippingRefund)
	t.PayableRefund = decimal.Min(t.TotalRefund, t.TotalAvailable)

	return t
}

// Validate blocks submission of an empty refund or one larger than the
// remaining balance. Both sides are compared at two decimals because line
// tax carries four.
func (t Totals) Validate() error {
	if !t.TotalRefund.IsPositive() {
		return ErrNothingToRefund
	}
	if round2(t.TotalRefund).GreaterThan(round2(t.TotalAvailable)) {
		return fmt.Errorf("%w: requested %s, available %s",
			ErrExceedsAvailable, round2(t.TotalRefund).StringFixed(2), round2(t.TotalAvailable).StringFixed(2))
	}
	return nil
}

// AmountToApply is the payable refund at two decimals, never above the
// available balance.
func (t Totals) AmountToApply() decimal.Decimal {
	return decimal.Min(round2(t.PayableRefund), round2(t.TotalAvailable))
}
