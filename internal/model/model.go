// Package model содержит доменные сущности сервиса обмена валют.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заявки на обмен.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusRejected, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// Valid сообщает, что статус входит в известный набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusApproved, OrderStatusRejected,
		OrderStatusCompleted, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderTTL задаёт время жизни зафиксированного курса заявки.
const OrderTTL = 30 * time.Minute

// Currency описывает валюту из справочника и лимиты на сумму обмена.
type Currency struct {
	Code      string
	Name      string
	IsActive  bool
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// RateSnapshot описывает курс валютной пары на момент обновления.
type RateSnapshot struct {
	ID            uuid.UUID       `json:"id"`
	Pair          string          `json:"pair"`
	Rate          decimal.Decimal `json:"rate"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	Source        string          `json:"source"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Order описывает заявку клиента на обмен валюты.
type Order struct {
	ID             uuid.UUID
	Code           string
	Checksum       string
	FromCurrency   string
	ToCurrency     string
	FromAmount     decimal.Decimal
	ToAmount       decimal.Decimal
	LockedRate     decimal.Decimal
	Status         OrderStatus
	ExchangeRateID uuid.UUID
	ClientEmail    string
	ClientPhone    string
	ClientWallet   string
	AdminNotes     string
	ProcessedBy    string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StatusHistory  []StatusHistoryEntry
}

// StatusHistoryEntry описывает запись журнала переходов статуса заявки.
type StatusHistoryEntry struct {
	OrderID    uuid.UUID
	FromStatus OrderStatus
	ToStatus   OrderStatus
	ChangedBy  string
	Reason     string
	CreatedAt  time.Time
}

// OrderChange описывает то, что сохраняется вместе с изменённой заявкой в одной транзакции.
// Пустой History означает изменение без перехода статуса.
type OrderChange struct {
	History       *StatusHistoryEntry
	Notifications []NotificationJob
}

// CreateOrderRequest содержит данные клиента для создания заявки.
type CreateOrderRequest struct {
	FromCurrency string          `json:"from_currency" validate:"required,alphanum,min=2,max=10"`
	ToCurrency   string          `json:"to_currency" validate:"required,alphanum,min=2,max=10,nefield=FromCurrency"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ClientEmail  string          `json:"client_email" validate:"required,email,max=254"`
	ClientPhone  string          `json:"client_phone" validate:"omitempty,e164"`
	ClientWallet string          `json:"client_wallet" validate:"omitempty,max=128"`
}

// OrderFilter задаёт параметры выборки заявок для администратора.
type OrderFilter struct {
	Status OrderStatus
	Search string
	Page   int
	Limit  int
}

// Offset возвращает количество пропускаемых записей.
func (f OrderFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// OrderPage содержит страницу результатов выборки заявок.
type OrderPage struct {
	Items   []Order
	Total   int
	Page    int
	Limit   int
	HasMore bool
}

// Gateway обозначает платёжного провайдера.
type Gateway string

const (
	GatewayStripe Gateway = "STRIPE"
	GatewayWallet Gateway = "WALLET"
	GatewayCrypto Gateway = "CRYPTO"
)

// PaymentStatus описывает статус платежа.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
	// PaymentStatusExpired не хранится в БД и вычисляется при чтении.
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// PaymentTTL задаёт срок, в течение которого ожидается оплата.
const PaymentTTL = 30 * time.Minute

// Payment описывает платёж через внешнего провайдера.
type Payment struct {
	ID            uuid.UUID
	Code          string
	UserID        *string
	OrderID       *uuid.UUID
	Gateway       Gateway
	Amount        decimal.Decimal
	FeeAmount     decimal.Decimal
	NetAmount     decimal.Decimal
	Currency      string
	Status        PaymentStatus
	ExternalID    string
	CustomerEmail string
	Metadata      map[string]string
	WebhookData   []byte
	ErrorDetail   string
	ExpiresAt     time.Time
	PaidAt        *time.Time
	RefundedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveStatus возвращает статус с учётом истечения срока оплаты.
func (p *Payment) EffectiveStatus(now time.Time) PaymentStatus {
	if p.Status == PaymentStatusPending && now.After(p.ExpiresAt) {
		return PaymentStatusExpired
	}
	return p.Status
}

// PaymentKey идентифицирует платёж при сверке вебхуков: сначала по externalId, затем по id.
type PaymentKey struct {
	ExternalID string
	ID         uuid.UUID
}

// CreatePaymentRequest содержит параметры создания платежа.
type CreatePaymentRequest struct {
	OrderID       *uuid.UUID        `json:"order_id"`
	UserID        *string           `json:"user_id" validate:"omitempty,max=64"`
	Gateway       Gateway           `json:"gateway" validate:"required"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" validate:"required,alphanum,min=2,max=10"`
	CustomerEmail string            `json:"customer_email" validate:"omitempty,email,max=254"`
	Metadata      map[string]string `json:"metadata" validate:"omitempty,max=20"`
}

// PaymentIntent содержит созданный платёж и данные для оформления оплаты у провайдера.
type PaymentIntent struct {
	Payment  *Payment
	Checkout map[string]string
}

// RefundStatus описывает статус возврата.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// Refund описывает возврат средств по платежу.
type Refund struct {
	ID          uuid.UUID
	PaymentID   uuid.UUID
	ExternalID  string
	Amount      decimal.Decimal
	Reason      string
	Status      RefundStatus
	ProcessedBy string
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// AuditEntry описывает запись журнала аудита.
type AuditEntry struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	OldValue   any
	NewValue   any
}
