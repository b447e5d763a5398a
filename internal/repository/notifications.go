package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/exchanger/internal/model"
)

const leaseExpiredError = "lease expired after final attempt"

// insertNotifications сохраняет задания на уведомления в транзакции перехода заявки.
func insertNotifications(ctx context.Context, tx pgx.Tx, jobs []model.NotificationJob) error {
	if len(jobs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO notification_jobs (id, event, channel, recipient, payload, status,
				attempts, max_attempts, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		`, j.ID, j.Event, j.Channel, j.Recipient, j.Payload, model.NotificationStatusPending,
			j.MaxAttempts, j.NextAttemptAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert notification jobs: %w", err)
	}
	return nil
}

// ClaimNotifications забирает до limit готовых к отправке заданий и продлевает их аренду до leaseUntil.
// Задания, аренда которых истекла, считаются готовыми повторно. Если при этом попытки
// исчерпаны, задание переводится в FAILED и больше не выдаётся.
func (r *PostgresRepository) ClaimNotifications(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.NotificationJob, error) {
	var jobs []model.NotificationJob

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE notification_jobs
			SET status = $1, last_error = $2, updated_at = now()
			WHERE status = $3 AND next_attempt_at <= $4 AND attempts >= max_attempts
		`, model.NotificationStatusFailed, leaseExpiredError, model.NotificationStatusProcessing, now)
		if err != nil {
			return fmt.Errorf("fail stale notification jobs: %w", err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE notification_jobs
			SET status = $1, attempts = attempts + 1, next_attempt_at = $2, updated_at = now()
			WHERE id IN (
				SELECT id FROM notification_jobs
				WHERE status IN ($3, $1) AND next_attempt_at <= $4 AND attempts < max_attempts
				ORDER BY next_attempt_at
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, event, channel, recipient, payload, status, attempts, max_attempts,
				next_attempt_at, last_error, created_at
		`, model.NotificationStatusProcessing, leaseUntil, model.NotificationStatusPending, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			var j model.NotificationJob
			if err := rows.Scan(&j.ID, &j.Event, &j.Channel, &j.Recipient, &j.Payload, &j.Status, &j.Attempts,
				&j.MaxAttempts, &j.NextAttemptAt, &j.LastError, &j.CreatedAt); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim notification jobs: %w", err)
	}
	return jobs, nil
}

// CompleteNotification отмечает задание доставленным.
func (r *PostgresRepository) CompleteNotification(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_jobs SET status = $2, last_error = '', updated_at = now() WHERE id = $1
	`, id, model.NotificationStatusSent)
	if err != nil {
		return fmt.Errorf("complete notification job: %w", err)
	}
	return nil
}

// RetryNotification возвращает задание в очередь с новым временем попытки.
func (r *PostgresRepository) RetryNotification(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_jobs
		SET status = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1
	`, id, model.NotificationStatusPending, next, lastErr)
	if err != nil {
		return fmt.Errorf("reschedule notification job: %w", err)
	}
	return nil
}

// FailNotification отмечает задание окончательно неуспешным.
func (r *PostgresRepository) FailNotification(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_jobs SET status = $2, last_error = $3, updated_at = now() WHERE id = $1
	`, id, model.NotificationStatusFailed, lastErr)
	if err != nil {
		return fmt.Errorf("fail notification job: %w", err)
	}
	return nil
}
