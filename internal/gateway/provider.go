// Package gateway содержит единый интерфейс платёжных провайдеров и его реализации.
package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

// MetadataPaymentID задаёт ключ метаданных, в котором провайдеру передаётся id платежа.
const MetadataPaymentID = "payment_id"

// IntentRequest содержит параметры открытия платежа у провайдера.
type IntentRequest struct {
	PaymentID   uuid.UUID
	PaymentCode string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Metadata    map[string]string
}

// Intent описывает ответ провайдера на открытие платежа.
type Intent struct {
	ExternalID string
	Checkout   map[string]string
}

// EventKind описывает распознанный тип события вебхука.
type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventIgnored   EventKind = "ignored"
	// EventApproved: плательщик подтвердил оплату, провайдер ждёт захвата средств.
	EventApproved EventKind = "approved"
)

// WebhookEvent содержит проверенное и разобранное событие провайдера.
type WebhookEvent struct {
	Kind        EventKind
	ExternalID  string
	PaymentID   uuid.UUID
	ErrorDetail string
	Raw         []byte
}

// Provider описывает платёжного провайдера.
type Provider interface {
	Gateway() model.Gateway
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// ParseWebhook проверяет подпись и разбирает payload.
	// При неверной подписи возвращает ошибку, обёрнутую в model.ErrInvalidSignature.
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
	Refund(ctx context.Context, externalID string, amount decimal.Decimal, currency string) (string, error)
}

// Capturer реализуют провайдеры, у которых подтверждённый платёж нужно явно захватить.
// Результат захвата возвращается в виде события: Succeeded, Failed или Ignored, если захват ещё в обработке.
type Capturer interface {
	Capture(ctx context.Context, externalID, idempotencyKey string) (*WebhookEvent, error)
}

func paymentIDFrom(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
