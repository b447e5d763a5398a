// Package notify доставляет уведомления о переходах заявок через очередь заданий в БД.
//
// Fanout превращает доменное событие в задания, по одному на канал.
// Worker забирает готовые задания, отправляет их и переносит неудачные попытки
// с экспоненциальной задержкой до исчерпания лимита.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/exchanger/internal/model"
)

// Store описывает очередь заданий на уведомления.
type Store interface {
	ClaimNotifications(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.NotificationJob, error)
	CompleteNotification(ctx context.Context, id uuid.UUID) error
	RetryNotification(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error
	FailNotification(ctx context.Context, id uuid.UUID, lastErr string) error
}

// Channel описывает канал доставки уведомлений.
type Channel interface {
	Name() string
	// Recipient возвращает адресата для события или пустую строку, если канал событие не получает.
	Recipient(ev model.Event) string
	Send(ctx context.Context, job model.NotificationJob) error
}

// Fanout превращает доменные события в задания очереди уведомлений.
type Fanout struct {
	channels    []Channel
	maxAttempts int
	now         func() time.Time
}

// NewFanout создаёт Fanout. maxAttempts ограничивает число попыток доставки каждого задания.
func NewFanout(maxAttempts int, channels ...Channel) *Fanout {
	return &Fanout{
		channels:    channels,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Jobs возвращает по одному заданию на каждый канал, у которого есть адресат для события.
// Вызывающая сторона сохраняет задания в той же транзакции, что и переход заявки.
func (f *Fanout) Jobs(ev model.Event) []model.NotificationJob {
	payload := payloadFrom(ev)
	now := f.now().UTC()

	var jobs []model.NotificationJob
	for _, ch := range f.channels {
		recipient := ch.Recipient(ev)
		if recipient == "" {
			continue
		}
		jobs = append(jobs, model.NotificationJob{
			ID:            uuid.New(),
			Event:         ev.Kind,
			Channel:       ch.Name(),
			Recipient:     recipient,
			Payload:       payload,
			Status:        model.NotificationStatusPending,
			MaxAttempts:   f.maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	return jobs
}

func payloadFrom(ev model.Event) model.NotificationPayload {
	o := ev.Order
	return model.NotificationPayload{
		Event:        ev.Kind,
		OrderID:      o.ID.String(),
		OrderCode:    o.Code,
		FromAmount:   o.FromAmount.String(),
		FromCurrency: o.FromCurrency,
		ToAmount:     o.ToAmount.String(),
		ToCurrency:   o.ToCurrency,
		Status:       string(o.Status),
		Reason:       ev.Reason,
		ClientWallet: o.ClientWallet,
	}
}
