package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
	"github.com/safar/order-desk/internal/refund"
)

// RefundStore persists refunds with the order row locked for the whole
// read-validate-write cycle.
type RefundStore struct {
	db *sql.DB
}

func NewRefundStore(db *sql.DB) *RefundStore {
	return &RefundStore{db: db}
}

func (s *RefundStore) ApplyRefund(ctx context.Context, orderID int64, decide func(models.Order) (*refund.Write, error)) (*models.Refund, error) {
	var applied *models.Refund

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		write, err := decide(*order)
		if err != nil {
			return err
		}

		applied, err = persistRefund(ctx, tx, orderID, write)
		return err
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

func persistRefund(ctx context.Context, tx *sql.Tx, orderID int64, write *refund.Write) (*models.Refund, error) {
	for _, item := range write.Items {
		result, err := tx.ExecContext(ctx,
			`UPDATE order_items
			 SET refunded_quantity = refunded_quantity + $1
			 WHERE id = $2
			   AND order_id = $3
			   AND refunded_quantity + $1 <= quantity`,
			item.Quantity, item.ItemID, orderID)
		if err != nil {
			if database.IsCheckViolation(err) {
				return nil, fmt.Errorf("item %d: %w: %w", item.ItemID, refund.ErrStaleProposal, err)
			}
			return nil, fmt.Errorf("update refunded quantity: %w", err)
		}
		if err := expectOneRow(result); err != nil {
			return nil, fmt.Errorf("item %d: %w", item.ItemID, err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET total_refunded = total_refunded + $1,
		     shipping_refunded = shipping_refunded OR $2,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $3
		   AND total_refunded + $1 <= total`,
		write.TotalRefundedDelta, write.ShippingRefunded, orderID)
	if err != nil {
		if database.IsCheckViolation(err) {
			return nil, fmt.Errorf("order %d: %w: %w", orderID, refund.ErrStaleProposal, err)
		}
		return nil, fmt.Errorf("update order refund totals: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}

	rec := &models.Refund{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		Amount:           write.TotalRefundedDelta,
		ItemAmount:       write.ItemAmount,
		TaxAmount:        write.TaxAmount,
		ShippingAmount:   write.ShippingAmount,
		ShippingRefunded: write.ShippingRefunded,
		Restock:          write.Restock,
		Reason:           write.Reason,
		CreatedByUserID:  write.ActorID,
		CreatedAt:        write.CreatedAt,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO refunds (id, order_id, amount, item_amount, tax_amount, shipping_amount,
		                      shipping_refunded, restock, reason, created_by_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.OrderID, rec.Amount, rec.ItemAmount, rec.TaxAmount, rec.ShippingAmount,
		rec.ShippingRefunded, rec.Restock, rec.Reason, rec.CreatedByUserID, rec.CreatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("actor %d: %w", rec.CreatedByUserID, database.ErrUserNotFound)
		}
		return nil, fmt.Errorf("insert refund: %w", err)
	}

	for _, item := range write.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO refund_items (refund_id, order_item_id, quantity, amount, tax)
			 VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, item.ItemID, item.Quantity, item.Amount, item.Tax)
		if err != nil {
			return nil, fmt.Errorf("insert refund item: %w", err)
		}
		rec.Items = append(rec.Items, models.RefundItem{
			OrderItemID: item.ItemID,
			Quantity:    item.Quantity,
			Amount:      item.Amount,
			Tax:         item.Tax,
		})
	}

	return rec, nil
}

// expectOneRow turns a guarded UPDATE that matched nothing into an
// optimistic lock failure.
func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return database.ErrOptimisticLockFailed
	}
	return nil
}

// ListRefunds returns an order's refunds oldest first, with their items.
func ListRefunds(ctx context.Context, db *sql.DB, orderID int64) ([]models.Refund, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, amount, item_amount, tax_amount, shipping_amount,
		        shipping_refunded, restock, reason, created_by_user_id, created_at
		 FROM refunds
		 WHERE order_id = $1
		 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	refunds := []models.Refund{}
	index := make(map[string]int)
	for rows.Next() {
		var rec models.Refund
		err := rows.Scan(
			&rec.ID,
			&rec.OrderID,
			&rec.Amount,
			&rec.ItemAmount,
			&rec.TaxAmount,
			&rec.ShippingAmount,
			&rec.ShippingRefunded,
			&rec.Restock,
			&rec.Reason,
			&rec.CreatedByUserID,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		index[rec.ID] = len(refunds)
		refunds = append(refunds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	itemRows, err := db.QueryContext(ctx,
		`SELECT ri.refund_id, ri.order_item_id, ri.quantity, ri.amount, ri.tax
		 FROM refund_items ri
		 JOIN refunds r ON r.id = ri.refund_id
		 WHERE r.order_id = $1
		 ORDER BY ri.order_item_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refund items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var refundID string
		var item models.RefundItem
		if err := itemRows.Scan(&refundID, &item.OrderItemID, &item.Quantity, &item.Amount, &item.Tax); err != nil {
			return nil, fmt.Errorf("scan refund item: %w", err)
		}
		if i, ok := index[refundID]; ok {
			refunds[i].Items = append(refunds[i].Items, item)
		}
	}

	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return refunds, nil
}
