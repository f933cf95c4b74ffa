package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusPrint      OrderStatus = "PRINT"
	OrderStatusPickingUp  OrderStatus = "PICKING_UP"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipping   OrderStatus = "SHIPPING"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusMissing    OrderStatus = "MISSING"
	OrderStatusRefund     OrderStatus = "REFUND"
)

// OrderStatuses lists every known status, initial state first.
var OrderStatuses = []OrderStatus{
	OrderStatusNew,
	OrderStatusPrint,
	OrderStatusPickingUp,
	OrderStatusProcessing,
	OrderStatusShipping,
	OrderStatusDelivered,
	OrderStatusMissing,
	OrderStatusRefund,
}

func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Order is the aggregate root. TotalRefunded never decreases and never
// exceeds Total; ShippingRefunded flips to true at most once.
type Order struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	OrderNumber      string          `json:"order_number"`
	Status           OrderStatus     `json:"status"`
	Currency         string          `json:"currency"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxTotal         decimal.Decimal `json:"tax_total"`
	ShippingTotal    decimal.Decimal `json:"shipping_total"`
	Total            decimal.Decimal `json:"total"`
	TotalRefunded    decimal.Decimal `json:"total_refunded"`
	ShippingRefunded bool            `json:"shipping_refunded"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int             `json:"version"`
	Items            []OrderItem     `json:"items,omitempty"`
}

// Item returns the line item with the given id.
func (o *Order) Item(id int64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

type OrderItem struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"order_id"`
	ProductID        int64           `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TotalPrice       decimal.Decimal `json:"total_price"`
	RefundedQuantity int             `json:"refunded_quantity"`
	CreatedAt        time.Time       `json:"created_at"`
}

// RemainingQuantity is the ceiling for any further refund on this line.
func (i OrderItem) RemainingQuantity() int {
	remaining := i.Quantity - i.RefundedQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

type StatusHistoryEntry struct {
	ID              int64       `json:"id"`
	OrderID         int64       `json:"order_id"`
	FromStatus      OrderStatus `json:"from_status"`
	ToStatus        OrderStatus `json:"to_status"`
	Note            string      `json:"note,omitempty"`
	ChangedByUserID int64       `json:"changed_by_user_id"`
	CreatedAt       time.Time   `json:"created_at"`
}

type Refund struct {
	ID               string          `json:"id"`
	OrderID          int64           `json:"order_id"`
	Amount           decimal.Decimal `json:"amount"`
	ItemAmount       decimal.Decimal `json:"item_amount"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	ShippingAmount   decimal.Decimal `json:"shipping_amount"`
	ShippingRefunded bool            `json:"shipping_refunded"`
	Restock          bool            `json:"restock"`
	Reason           string          `json:"reason,omitempty"`
	CreatedByUserID  int64           `json:"created_by_user_id"`
	CreatedAt        time.Time       `json:"created_at"`
	Items            []RefundItem    `json:"items,omitempty"`
}

type RefundItem struct {
	OrderItemID int64           `json:"order_item_id"`
	Quantity    int             `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	Tax         decimal.Decimal `json:"tax"`
}
