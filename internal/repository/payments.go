package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

const paymentColumns = `id, code, user_id, order_id, gateway, amount, fee_amount, net_amount,
	currency, status, COALESCE(external_id, ''), customer_email, metadata, webhook_data,
	error_detail, expires_at, paid_at, refunded_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(
		&p.ID, &p.Code, &p.UserID, &p.OrderID, &p.Gateway, &p.Amount, &p.FeeAmount, &p.NetAmount,
		&p.Currency, &p.Status, &p.ExternalID, &p.CustomerEmail, &p.Metadata, &p.WebhookData,
		&p.ErrorDetail, &p.ExpiresAt, &p.PaidAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreatePayment сохраняет новый платёж.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			INSERT INTO payments (id, code, user_id, order_id, gateway, amount, fee_amount, net_amount,
				currency, status, external_id, customer_email, metadata, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
			RETURNING updated_at
		`, p.ID, p.Code, p.UserID, p.OrderID, p.Gateway, p.Amount, p.FeeAmount, p.NetAmount,
			p.Currency, p.Status, nullString(p.ExternalID), p.CustomerEmail, p.Metadata, p.ExpiresAt, p.CreatedAt,
		).Scan(&p.UpdatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// AttachExternalID привязывает идентификатор провайдера к платежу и дополняет метаданные.
// Уже привязанный идентификатор не перезаписывается.
func (r *PostgresRepository) AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE payments
		SET external_id = COALESCE(external_id, $2),
		    metadata = metadata || $3::jsonb,
		    updated_at = now()
		WHERE id = $1
	`, id, externalID, metadata)
	if err != nil {
		return fmt.Errorf("attach external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return p, err
}

// GetPaymentByCode возвращает платёж по публичному коду.
func (r *PostgresRepository) GetPaymentByCode(ctx context.Context, code string) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE code = $1`, code))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select payment by code: %w", err)
	}
	return p, err
}

// PaymentCodeExists проверяет, занят ли код платежа.
func (r *PostgresRepository) PaymentCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment code: %w", err)
	}
	return exists, nil
}

func lockPayment(ctx context.Context, tx pgx.Tx, key model.PaymentKey) (*model.Payment, error) {
	if key.ExternalID != "" {
		p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1 FOR UPDATE`, key.ExternalID))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("lock payment by external id: %w", err)
		}
	}

	if key.ID == uuid.Nil {
		return nil, model.ErrNotFound
	}

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, key.ID))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return p, err
}

// UpdatePayment находит платёж по ключу, блокирует его и применяет fn в одной транзакции.
// Изменения сохраняются, только если fn вернула changed = true.
func (r *PostgresRepository) UpdatePayment(
	ctx context.Context,
	key model.PaymentKey,
	fn func(p *model.Payment) (bool, error),
) (*model.Payment, bool, error) {
	var (
		result  *model.Payment
		changed bool
	)

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		p, err := lockPayment(ctx, tx, key)
		if err != nil {
			return err
		}

		changed, err = fn(p)
		if err != nil {
			return err
		}

		if changed {
			err = tx.QueryRow(ctx, `
				UPDATE payments
				SET status = $2, external_id = $3, webhook_data = $4, error_detail = $5,
				    paid_at = $6, refunded_at = $7, updated_at = now()
				WHERE id = $1
				RETURNING updated_at
			`, p.ID, p.Status, nullString(p.ExternalID), p.WebhookData, p.ErrorDetail, p.PaidAt, p.RefundedAt,
			).Scan(&p.UpdatedAt)
			if err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
		}

		result = p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func sumRefunds(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, statuses []model.RefundStatus, exclude uuid.UUID) (decimal.Decimal, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var total decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE payment_id = $1 AND status = ANY($2) AND id <> $3
	`, paymentID, names, exclude).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum refunds: %w", err)
	}
	return total, nil
}

// ReserveRefund блокирует платёж и создаёт возврат, построенный fn.
// В fn передаётся сумма уже начатых и завершённых возвратов.
func (r *PostgresRepository) ReserveRefund(
	ctx context.Context,
	paymentID uuid.UUID,
	fn func(p *model.Payment, reserved decimal.Decimal) (*model.Refund, error),
) (*model.Payment, *model.Refund, error) {
	var (
		payment *model.Payment
		refund  *model.Refund
	)

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		p, err := lockPayment(ctx, tx, model.PaymentKey{ID: paymentID})
		if err != nil {
			return err
		}

		reserved, err := sumRefunds(ctx, tx, p.ID,
			[]model.RefundStatus{model.RefundStatusPending, model.RefundStatusCompleted}, uuid.Nil)
		if err != nil {
			return err
		}

		rf, err := fn(p, reserved)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO refunds (id, payment_id, external_id, amount, reason, status, processed_by, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`, rf.ID, p.ID, rf.ExternalID, rf.Amount, rf.Reason, rf.Status, rf.ProcessedBy, rf.ProcessedAt,
		).Scan(&rf.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}

		payment, refund = p, rf
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return payment, refund, nil
}

// UpdateRefund блокирует возврат и его платёж и применяет fn в одной транзакции.
// В fn передаётся сумма остальных завершённых возвратов по платежу.
func (r *PostgresRepository) UpdateRefund(
	ctx context.Context,
	refundID uuid.UUID,
	fn func(p *model.Payment, rf *model.Refund, completed decimal.Decimal) error,
) (*model.Payment, *model.Refund, error) {
	var (
		payment *model.Payment
		refund  *model.Refund
	)

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var rf model.Refund
		err := tx.QueryRow(ctx, `
			SELECT id, payment_id, external_id, amount, reason, status, processed_by, processed_at, created_at
			FROM refunds
			WHERE id = $1
			FOR UPDATE
		`, refundID).Scan(&rf.ID, &rf.PaymentID, &rf.ExternalID, &rf.Amount, &rf.Reason, &rf.Status,
			&rf.ProcessedBy, &rf.ProcessedAt, &rf.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNotFound
			}
			return fmt.Errorf("lock refund: %w", err)
		}

		p, err := lockPayment(ctx, tx, model.PaymentKey{ID: rf.PaymentID})
		if err != nil {
			return err
		}

		completed, err := sumRefunds(ctx, tx, p.ID, []model.RefundStatus{model.RefundStatusCompleted}, rf.ID)
		if err != nil {
			return err
		}

		if err := fn(p, &rf, completed); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE refunds
			SET external_id = $2, status = $3, processed_by = $4, processed_at = $5
			WHERE id = $1
		`, rf.ID, rf.ExternalID, rf.Status, rf.ProcessedBy, rf.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update refund: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE payments
			SET status = $2, refunded_at = $3, updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`, p.ID, p.Status, p.RefundedAt).Scan(&p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update refunded payment: %w", err)
		}

		payment, refund = p, &rf
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return payment, refund, nil
}
