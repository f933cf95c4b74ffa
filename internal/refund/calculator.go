package refund

import (
	"github.com/shopspring/decimal"

	"github.com/safar/order-desk/internal/models"
)

// LineRefund is the refundable share of one line item.
type LineRefund struct {
	ItemID      int64           `json:"item_id"`
	Remaining   int             `json:"remaining"`
	Quantity    int             `json:"quantity"`
	RefundTotal decimal.Decimal `json:"refund_total"`
	RefundTax   decimal.Decimal `json:"refund_tax"`
}

// CalculateLine clamps requestedQty to what is left on the line and
// allocates the order's charged tax to it in proportion to its share of the
// pre-tax subtotal. Over-requests are capped, never rejected.
func CalculateLine(item models.OrderItem, requestedQty int, orderSubtotal, orderTaxTotal decimal.Decimal) LineRefund {
	remaining := item.RemainingQuantity()

	quantity := requestedQty
	if quantity < 0 {
		quantity = 0
	}
	if quantity > remaining {
		quantity = remaining
	}

	refundTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(quantity)))

	refundTax := decimal.Zero
	if orderSubtotal.IsPositive() {
		refundTax = round4(refundTotal.Mul(orderTaxTotal).Div(orderSubtotal))
	}

	return LineRefund{
		ItemID:      item.ID,
		Remaining:   remaining,
		Quantity:    quantity,
		RefundTotal: refundTotal,
		RefundTax:   refundTax,
	}
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}
