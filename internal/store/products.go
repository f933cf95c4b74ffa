package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const productColumns = `id, sku, name, description, price, stock_quantity, created_at, updated_at, version`

func scanProduct(row interface{ Scan(...any) error }, p *models.Product) error {
	return row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Price,
		&p.StockQuantity, &p.CreatedAt, &p.UpdatedAt, &p.Version)
}

// CreateProduct adds a catalog entry. Order lines copy its price at
// creation time and refunds restock it.
func CreateProduct(ctx context.Context, db *sql.DB, sku, name, description string, price decimal.Decimal, stock int) (*models.Product, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, fmt.Errorf("create product: sku is required")
	}
	if price.IsNegative() || stock < 0 {
		return nil, fmt.Errorf("create product %s: price and stock must not be negative", sku)
	}

	product := &models.Product{}
	err := scanProduct(db.QueryRowContext(ctx,
		`INSERT INTO products (sku, name, description, price, stock_quantity, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		 RETURNING `+productColumns,
		sku, name, description, price, stock), product)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("product %s: %w", sku, database.ErrDuplicate)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, q Querier, id int64) (*models.Product, error) {
	product := &models.Product{}
	err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id), product)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

func DecrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// IncrementStockForItem puts quantity units of an order item's product back
// on the shelf.
func IncrementStockForItem(ctx context.Context, db *sql.DB, orderItemID int64, quantity int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products p
		 SET stock_quantity = p.stock_quantity + $1,
		     updated_at = NOW(),
		     version = p.version + 1
		 FROM order_items oi
		 WHERE oi.id = $2
		   AND p.id = oi.product_id`,
		quantity, orderItemID)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// Restocker returns refunded units to product stock. Errors are logged and
// dropped; a refund is never undone because restocking failed.
type Restocker struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRestocker(db *sql.DB, logger *zap.Logger) *Restocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restocker{db: db, logger: logger.Named("restock")}
}

func (r *Restocker) Restock(ctx context.Context, itemID int64, quantity int) {
	if quantity <= 0 {
		return
	}

	if err := IncrementStockForItem(ctx, r.db, itemID, quantity); err != nil {
		r.logger.Error("restock failed",
			zap.Int64("order_item_id", itemID),
			zap.Int("quantity", quantity),
			zap.Error(err))
		return
	}

	r.logger.Debug("restocked", zap.Int64("order_item_id", itemID), zap.Int("quantity", quantity))
}
