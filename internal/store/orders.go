package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type CreateOrderRequest struct {
	UserID        int64
	Currency      string
	TaxTotal      decimal.Decimal
	ShippingTotal decimal.Decimal
	Items         []OrderItemRequest
}

type OrderItemRequest struct {
	ProductID int64
	Quantity  int
}

const orderColumns = `id, user_id, order_number, status, currency, subtotal, tax_total, shipping_total,
	total, total_refunded, shipping_refunded, created_at, updated_at, version`

func scanOrder(row interface{ Scan(...any) error }, order *models.Order) error {
	return row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.Currency,
		&order.Subtotal,
		&order.TaxTotal,
		&order.ShippingTotal,
		&order.Total,
		&order.TotalRefunded,
		&order.ShippingRefunded,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d", time.Now().UnixNano())
}

// CreateOrder prices the items from the product catalog, reserves stock and
// stores the order in status NEW. Tax and shipping are charged as given.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("order has no items")
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for product %d", item.Quantity, item.ProductID)
		}
	}
	if req.TaxTotal.IsNegative() || req.ShippingTotal.IsNegative() {
		return nil, errors.New("tax and shipping totals must not be negative")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
			req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return database.ErrUserNotFound
		}

		subtotal := decimal.Zero
		productPrices := make(map[int64]decimal.Decimal)

		for _, item := range req.Items {
			var price decimal.Decimal
			var stockQuantity int

			err := tx.QueryRowContext(ctx,
				`SELECT price, stock_quantity
				 FROM products
				 WHERE id = $1
				 FOR UPDATE NOWAIT`,
				item.ProductID).Scan(&price, &stockQuantity)
			if err != nil {
				if err == sql.ErrNoRows {
					return database.ErrProductNotFound
				}
				if database.ClassifyError(err) == database.ErrorClassTransient {
					return fmt.Errorf("lock product %d: %w: %w", item.ProductID, database.ErrLockTimeout, err)
				}
				return fmt.Errorf("lock product %d: %w", item.ProductID, err)
			}

			if stockQuantity < item.Quantity {
				return database.ErrInsufficientStock
			}

			productPrices[item.ProductID] = price
			subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		total := subtotal.Add(req.TaxTotal).Add(req.ShippingTotal)

		order = &models.Order{}
		err = scanOrder(tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, currency, subtotal, tax_total, shipping_total,
			                     total, total_refunded, shipping_refunded, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE, NOW(), NOW(), 1)
			 RETURNING `+orderColumns,
			req.UserID, generateOrderNumber(), models.OrderStatusNew, currency,
			subtotal, req.TaxTotal, req.ShippingTotal, total), order)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range req.Items {
			unitPrice := productPrices[item.ProductID]
			line := models.OrderItem{
				OrderID:    order.ID,
				ProductID:  item.ProductID,
				Quantity:   item.Quantity,
				UnitPrice:  unitPrice,
				TotalPrice: unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
			}

			err = tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price, total_price, refunded_quantity, created_at)
				 VALUES ($1, $2, $3, $4, $5, 0, NOW())
				 RETURNING id, created_at`,
				line.OrderID, line.ProductID, line.Quantity, line.UnitPrice, line.TotalPrice).Scan(&line.ID, &line.CreatedAt)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
			order.Items = append(order.Items, line)

			if err := DecrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder loads an order with its items.
func GetOrder(ctx context.Context, q Querier, id int64) (*models.Order, error) {
	return getOrder(ctx, q, id, false)
}

// lockOrder loads an order with its items, holding a row lock on the order
// until the surrounding transaction ends.
func lockOrder(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	return getOrder(ctx, tx, id, true)
}

func getOrder(ctx context.Context, q Querier, id int64, forUpdate bool) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	if err := scanOrder(q.QueryRowContext(ctx, query, id), order); err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price, total_price, refunded_quantity, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.TotalPrice,
			&item.RefundedQuantity,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return order, nil
}

// ListOrdersByStatus pages through one board column, newest first. Items
// are not loaded.
func ListOrdersByStatus(ctx context.Context, db *sql.DB, status models.OrderStatus, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1
		   AND (created_at, id) < ($2, $3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		status, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// CountOrdersByStatus returns the number of orders in each status.
func CountOrdersByStatus(ctx context.Context, db *sql.DB) (map[models.OrderStatus]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OrderStatus]int64)
	for rows.Next() {
		var status models.OrderStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
