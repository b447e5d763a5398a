package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind описывает тип доменного события.
type EventKind string

const (
	EventOrderCreated   EventKind = "order.created"
	EventOrderApproved  EventKind = "order.approved"
	EventOrderRejected  EventKind = "order.rejected"
	EventOrderCompleted EventKind = "order.completed"
)

// Event описывает переход заявки, на который реагируют уведомления.
type Event struct {
	Kind       EventKind
	Order      Order
	Reason     string
	OccurredAt time.Time
}

// NotificationStatus описывает состояние задания на уведомление.
type NotificationStatus string

const (
	NotificationStatusPending    NotificationStatus = "PENDING"
	NotificationStatusProcessing NotificationStatus = "PROCESSING"
	NotificationStatusSent       NotificationStatus = "SENT"
	NotificationStatusFailed     NotificationStatus = "FAILED"
)

// NotificationPayload содержит данные для отрисовки уведомления.
type NotificationPayload struct {
	Event        EventKind `json:"event"`
	OrderID      string    `json:"order_id"`
	OrderCode    string    `json:"order_code"`
	FromAmount   string    `json:"from_amount"`
	FromCurrency string    `json:"from_currency"`
	ToAmount     string    `json:"to_amount"`
	ToCurrency   string    `json:"to_currency"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	ClientWallet string    `json:"client_wallet,omitempty"`
}

// NotificationJob описывает доставку одного уведомления в один канал.
type NotificationJob struct {
	ID            uuid.UUID
	Event         EventKind
	Channel       string
	Recipient     string
	Payload       NotificationPayload
	Status        NotificationStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}
