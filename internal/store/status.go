package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/order-desk/internal/database"
	"github.com/safar/order-desk/internal/models"
)

// StatusStore writes order status changes and their history entries.
type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// ChangeStatus locks the order, lets decide validate the change against the
// locked row and stores the new status together with the history entry.
func (s *StatusStore) ChangeStatus(ctx context.Context, orderID int64, decide func(models.Order) (models.StatusHistoryEntry, error)) (*models.StatusHistoryEntry, error) {
	var entry models.StatusHistoryEntry

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order := &models.Order{ID: orderID}
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`,
			orderID).Scan(&order.Status)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		entry, err = decide(*order)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2 AND status = $3`,
			entry.ToStatus, orderID, entry.FromStatus)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return database.ErrOptimisticLockFailed
		}

		entry.OrderID = orderID
		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_status_history (order_id, from_status, to_status, note, changed_by_user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			orderID, entry.FromStatus, entry.ToStatus, entry.Note, entry.ChangedByUserID, entry.CreatedAt).Scan(&entry.ID)
		if err != nil {
			if database.IsForeignKeyViolation(err) {
				return fmt.Errorf("actor %d: %w", entry.ChangedByUserID, database.ErrUserNotFound)
			}
			return fmt.Errorf("insert status history: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// ListStatusHistory returns an order's history oldest first.
func ListStatusHistory(ctx context.Context, db *sql.DB, orderID int64) ([]models.StatusHistoryEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, from_status, to_status, note, changed_by_user_id, created_at
		 FROM order_status_history
		 WHERE order_id = $1
		 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	history := []models.StatusHistoryEntry{}
	for rows.Next() {
		var entry models.StatusHistoryEntry
		err := rows.Scan(
			&entry.ID,
			&entry.OrderID,
			&entry.FromStatus,
			&entry.ToStatus,
			&entry.Note,
			&entry.ChangedByUserID,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		history = append(history, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return history, nil
}
