package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/exchanger/internal/model"
)

const orderColumns = `id, code, checksum, from_currency, to_currency, from_amount, to_amount,
	locked_rate, status, exchange_rate_id, client_email, client_phone, client_wallet,
	admin_notes, processed_by, expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(
		&o.ID, &o.Code, &o.Checksum, &o.FromCurrency, &o.ToCurrency, &o.FromAmount, &o.ToAmount,
		&o.LockedRate, &o.Status, &o.ExchangeRateID, &o.ClientEmail, &o.ClientPhone, &o.ClientWallet,
		&o.AdminNotes, &o.ProcessedBy, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetCurrency возвращает валюту из справочника.
func (r *PostgresRepository) GetCurrency(ctx context.Context, code string) (*model.Currency, error) {
	var c model.Currency
	err := r.pool.QueryRow(ctx, `
		SELECT code, name, is_active, min_amount, max_amount
		FROM currencies
		WHERE code = $1
	`, code).Scan(&c.Code, &c.Name, &c.IsActive, &c.MinAmount, &c.MaxAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select currency: %w", err)
	}
	return &c, nil
}

// CreateOrder сохраняет новую заявку вместе с первой записью истории статусов
// и заданиями на уведомления.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order, entry *model.StatusHistoryEntry, jobs []model.NotificationJob) error {
	return r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (id, code, checksum, from_currency, to_currency, from_amount, to_amount,
				locked_rate, status, exchange_rate_id, client_email, client_phone, client_wallet,
				admin_notes, processed_by, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
			RETURNING updated_at
		`, o.ID, o.Code, o.Checksum, o.FromCurrency, o.ToCurrency, o.FromAmount, o.ToAmount,
			o.LockedRate, o.Status, o.ExchangeRateID, o.ClientEmail, o.ClientPhone, o.ClientWallet,
			o.AdminNotes, o.ProcessedBy, o.ExpiresAt, o.CreatedAt,
		).Scan(&o.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateCode
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if entry != nil {
			if err := insertHistory(ctx, tx, entry); err != nil {
				return err
			}
			o.StatusHistory = []model.StatusHistoryEntry{*entry}
		}
		return insertNotifications(ctx, tx, jobs)
	})
}

// OrderCodeExists проверяет, занят ли код заявки.
func (r *PostgresRepository) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check order code: %w", err)
	}
	return exists, nil
}

// GetOrder возвращает заявку по идентификатору вместе с историей статусов.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	o.StatusHistory, err = loadHistory(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrderByCode возвращает заявку по публичному коду вместе с историей статусов.
func (r *PostgresRepository) GetOrderByCode(ctx context.Context, code string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("select order by code: %w", err)
	}

	o.StatusHistory, err = loadHistory(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders возвращает страницу заявок по фильтру, новые первыми.
// Поиск выполняется без учёта регистра по коду и email клиента.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, int, error) {
	search := ""
	if f.Search != "" {
		search = "%" + escapeLike(f.Search) + "%"
	}

	const where = `
		WHERE ($1::text = '' OR status = $1)
		  AND ($2::text = '' OR code ILIKE $2 OR client_email ILIKE $2)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, string(f.Status), search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders`+where+`
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`, string(f.Status), search, f.Limit, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := make([]model.Order, 0, f.Limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate orders: %w", err)
	}

	return orders, total, nil
}

// UpdateOrder блокирует заявку и применяет к ней fn в одной транзакции.
// Запись истории и задания на уведомления из результата fn сохраняются
// вместе с изменениями заявки; nil означает изменение без перехода статуса.
func (r *PostgresRepository) UpdateOrder(
	ctx context.Context,
	id uuid.UUID,
	fn func(o *model.Order) (*model.OrderChange, error),
) (*model.Order, error) {
	var result *model.Order

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return err
			}
			return fmt.Errorf("lock order: %w", err)
		}

		change, err := fn(o)
		if err != nil {
			return err
		}
		if change == nil {
			change = &model.OrderChange{}
		}

		err = tx.QueryRow(ctx, `
			UPDATE orders
			SET status = $2, admin_notes = $3, processed_by = $4, updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`, o.ID, o.Status, o.AdminNotes, o.ProcessedBy).Scan(&o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if change.History != nil {
			change.History.OrderID = o.ID
			if err := insertHistory(ctx, tx, change.History); err != nil {
				return err
			}
		}
		if err := insertNotifications(ctx, tx, change.Notifications); err != nil {
			return err
		}

		o.StatusHistory, err = loadHistory(ctx, tx, o.ID)
		if err != nil {
			return err
		}

		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListExpiredOrderIDs возвращает идентификаторы ожидающих заявок с истёкшим сроком.
func (r *PostgresRepository) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, model.OrderStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired orders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired orders: %w", err)
	}
	return ids, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *model.StatusHistoryEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.OrderID, e.FromStatus, e.ToStatus, e.ChangedBy, e.Reason).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func loadHistory(ctx context.Context, q querier, orderID uuid.UUID) ([]model.StatusHistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, from_status, to_status, changed_by, reason, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select status history: %w", err)
	}
	defer rows.Close()

	var history []model.StatusHistoryEntry
	for rows.Next() {
		var e model.StatusHistoryEntry
		if err := rows.Scan(&e.OrderID, &e.FromStatus, &e.ToStatus, &e.ChangedBy, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}
	return history, nil
}
