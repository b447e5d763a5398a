package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/metrics"
	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/repository"
	"github.com/mmeshcher/exchanger/internal/validation"
)

// Параметры выборки заявок по умолчанию.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

const expireBatch = 100

// OrderRepository описывает хранилище заявок, используемое OrderService.
type OrderRepository interface {
	GetCurrency(ctx context.Context, code string) (*model.Currency, error)
	OrderCodeExists(ctx context.Context, code string) (bool, error)
	CreateOrder(ctx context.Context, o *model.Order, entry *model.StatusHistoryEntry, jobs []model.NotificationJob) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderByCode(ctx context.Context, code string) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, int, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, fn func(o *model.Order) (*model.OrderChange, error)) (*model.Order, error)
	ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// OrderService управляет жизненным циклом заявок на обмен.
// Все переходы статуса выполняются в одной транзакции с перепроверкой текущего статуса,
// в той же транзакции ставятся в очередь уведомления о переходе.
type OrderService struct {
	repo     OrderRepository
	rates    RateSource
	codes    CodeGenerator
	notifier Notifier
	audit    AuditRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrderService создаёт сервис заявок. notifier и audit могут быть nil.
func NewOrderService(
	repo OrderRepository,
	rates RateSource,
	codes CodeGenerator,
	notifier Notifier,
	audit AuditRecorder,
	logger *zap.Logger,
) *OrderService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if audit == nil {
		audit = noopAuditor{}
	}
	return &OrderService{
		repo:     repo,
		rates:    rates,
		codes:    codes,
		notifier: notifier,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateOrder создаёт заявку по зафиксированному курсу.
func (s *OrderService) CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*model.Order, error) {
	req.FromCurrency = validation.NormalizeCurrency(req.FromCurrency)
	req.ToCurrency = validation.NormalizeCurrency(req.ToCurrency)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)

	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if err := validation.PositiveAmount("from_amount", req.FromAmount); err != nil {
		return nil, err
	}

	from, err := s.activeCurrency(ctx, req.FromCurrency)
	if err != nil {
		return nil, err
	}
	if _, err := s.activeCurrency(ctx, req.ToCurrency); err != nil {
		return nil, err
	}
	if req.FromAmount.LessThan(from.MinAmount) || req.FromAmount.GreaterThan(from.MaxAmount) {
		return nil, fmt.Errorf("%w: from_amount must be between %s and %s %s",
			model.ErrValidation, from.MinAmount, from.MaxAmount, from.Code)
	}

	rate, err := s.rates.GetRate(ctx, req.FromCurrency, req.ToCurrency)
	if err != nil {
		return nil, fmt.Errorf("lock rate: %w", err)
	}

	now := s.now().UTC()
	order := &model.Order{
		ID:             uuid.New(),
		FromCurrency:   req.FromCurrency,
		ToCurrency:     req.ToCurrency,
		FromAmount:     req.FromAmount,
		ToAmount:       req.FromAmount.Mul(rate.EffectiveRate).Round(amountScale),
		LockedRate:     rate.EffectiveRate,
		Status:         model.OrderStatusPending,
		ExchangeRateID: rate.ID,
		ClientEmail:    req.ClientEmail,
		ClientPhone:    req.ClientPhone,
		ClientWallet:   req.ClientWallet,
		ExpiresAt:      now.Add(model.OrderTTL),
		CreatedAt:      now,
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate order code: %w", err)
		}

		exists, err := s.repo.OrderCodeExists(ctx, code.Value)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		order.Code, order.Checksum = code.Value, code.Checksum
		entry := &model.StatusHistoryEntry{
			OrderID:   order.ID,
			ToStatus:  model.OrderStatusPending,
			ChangedBy: SystemActor,
			Reason:    "order created",
		}

		jobs := s.notifier.Jobs(model.Event{Kind: model.EventOrderCreated, Order: *order, OccurredAt: now})

		err = s.repo.CreateOrder(ctx, order, entry, jobs)
		if errors.Is(err, repository.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}

		s.afterTransition(order, "", SystemActor)
		return order, nil
	}

	return nil, fmt.Errorf("%w: no unique order code after %d attempts", model.ErrExhaustedRetries, codeAttempts)
}

func (s *OrderService) activeCurrency(ctx context.Context, code string) (*model.Currency, error) {
	c, err := s.repo.GetCurrency(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown currency %s", model.ErrValidation, code)
		}
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: currency %s is not active", model.ErrValidation, code)
	}
	return c, nil
}

// transition описывает один переход статуса заявки.
type transition struct {
	from  model.OrderStatus
	to    model.OrderStatus
	actor string
	// reason попадает в историю и в событие, notes попадает в заметки администратора.
	reason string
	notes  string
	event  model.EventKind
	guard  func(o *model.Order, now time.Time) error
}

func (s *OrderService) apply(ctx context.Context, id uuid.UUID, t transition) (*model.Order, error) {
	now := s.now()

	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) (*model.OrderChange, error) {
		if o.Status != t.from {
			return nil, fmt.Errorf("%w: order %s is %s, expected %s", model.ErrInvalidState, o.Code, o.Status, t.from)
		}
		if t.guard != nil {
			if err := t.guard(o, now); err != nil {
				return nil, err
			}
		}

		o.Status = t.to
		o.AdminNotes = appendNote(o.AdminNotes, t.notes)
		if t.actor != SystemActor {
			o.ProcessedBy = t.actor
		}

		change := &model.OrderChange{
			History: &model.StatusHistoryEntry{
				OrderID:    o.ID,
				FromStatus: t.from,
				ToStatus:   t.to,
				ChangedBy:  t.actor,
				Reason:     t.reason,
			},
		}
		if t.event != "" {
			change.Notifications = s.notifier.Jobs(model.Event{
				Kind:       t.event,
				Order:      *o,
				Reason:     t.reason,
				OccurredAt: now.UTC(),
			})
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(o, t.from, t.actor)
	return o, nil
}

func (s *OrderService) afterTransition(o *model.Order, from model.OrderStatus, actor string) {
	metrics.OrderTransitions.WithLabelValues(string(o.Status)).Inc()

	s.logger.Info("order status changed",
		zap.String("code", o.Code),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
		zap.String("actor", actor),
	)

	var oldValue any
	if from != "" {
		oldValue = map[string]string{"status": string(from)}
	}
	s.audit.Record(model.AuditEntry{
		ActorID:    actor,
		Action:     "order.status_changed",
		EntityType: "order",
		EntityID:   o.ID.String(),
		OldValue:   oldValue,
		NewValue:   map[string]string{"status": string(o.Status)},
	})
}

func notExpired(o *model.Order, now time.Time) error {
	if now.After(o.ExpiresAt) {
		return fmt.Errorf("%w: order %s expired at %s", model.ErrExpired, o.Code, o.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func expired(o *model.Order, now time.Time) error {
	if !now.After(o.ExpiresAt) {
		return fmt.Errorf("%w: order %s has not expired yet", model.ErrInvalidState, o.Code)
	}
	return nil
}

// Approve одобряет ожидающую заявку, если срок курса не истёк.
func (s *OrderService) Approve(ctx context.Context, id uuid.UUID, adminID, notes string) (*model.Order, error) {
	return s.apply(ctx, id, transition{
		from:   model.OrderStatusPending,
		to:     model.OrderStatusApproved,
		actor:  adminID,
		reason: notes,
		notes:  notes,
		event:  model.EventOrderApproved,
		guard:  notExpired,
	})
}

// Reject отклоняет ожидающую заявку с указанием причины.
func (s *OrderService) Reject(ctx context.Context, id uuid.UUID, adminID, reason string) (*model.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", model.ErrValidation)
	}
	return s.apply(ctx, id, transition{
		from:   model.OrderStatusPending,
		to:     model.OrderStatusRejected,
		actor:  adminID,
		reason: reason,
		notes:  reason,
		event:  model.EventOrderRejected,
	})
}

// Complete завершает одобренную заявку.
func (s *OrderService) Complete(ctx context.Context, id uuid.UUID, adminID, notes string) (*model.Order, error) {
	return s.apply(ctx, id, transition{
		from:   model.OrderStatusApproved,
		to:     model.OrderStatusCompleted,
		actor:  adminID,
		reason: notes,
		notes:  notes,
		event:  model.EventOrderCompleted,
	})
}

// Cancel отменяет ожидающую заявку. Уведомления не отправляются.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*model.Order, error) {
	return s.apply(ctx, id, transition{
		from:   model.OrderStatusPending,
		to:     model.OrderStatusCancelled,
		actor:  actor,
		reason: reason,
		notes:  reason,
	})
}

// ExpireStale переводит просроченные ожидающие заявки в EXPIRED и возвращает их число.
func (s *OrderService) ExpireStale(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredOrderIDs(ctx, s.now(), expireBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	expiredCount := 0
	for _, id := range ids {
		_, err := s.apply(ctx, id, transition{
			from:   model.OrderStatusPending,
			to:     model.OrderStatusExpired,
			actor:  SystemActor,
			reason: "rate lock expired",
			guard:  expired,
		})
		if err != nil {
			// Заявку могли обработать параллельно, пока шла выборка.
			if errors.Is(err, model.ErrInvalidState) {
				continue
			}
			return expiredCount, fmt.Errorf("expire order %s: %w", id, err)
		}
		expiredCount++
	}
	return expiredCount, nil
}

// StartExpirySweep запускает периодический перевод просроченных заявок в EXPIRED.
func (s *OrderService) StartExpirySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ExpireStale(ctx)
				if err != nil {
					s.logger.Warn("expiry sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("expired stale orders", zap.Int("count", n))
				}
			}
		}
	}()
}

// RecordPayment добавляет к заявке заметку о завершённом платеже. Статус заявки не меняется.
func (s *OrderService) RecordPayment(ctx context.Context, orderID uuid.UUID, p *model.Payment) error {
	note := fmt.Sprintf("payment %s completed via %s: %s %s", p.Code, p.Gateway, p.Amount, p.Currency)

	o, err := s.repo.UpdateOrder(ctx, orderID, func(o *model.Order) (*model.OrderChange, error) {
		o.AdminNotes = appendNote(o.AdminNotes, note)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("record payment on order: %w", err)
	}

	s.audit.Record(model.AuditEntry{
		ActorID:    SystemActor,
		Action:     "order.payment_recorded",
		EntityType: "order",
		EntityID:   o.ID.String(),
		NewValue:   map[string]string{"payment_id": p.ID.String(), "payment_code": p.Code},
	})
	return nil
}

// FindByID возвращает заявку по идентификатору.
func (s *OrderService) FindByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// FindByCode возвращает заявку по публичному коду.
func (s *OrderService) FindByCode(ctx context.Context, code string) (*model.Order, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !s.codes.WellFormed(code) {
		return nil, model.ErrNotFound
	}
	return s.repo.GetOrderByCode(ctx, code)
}

// GetOrder ищет заявку по UUID или коду. Непустая checksum должна совпасть с подписью кода,
// иначе заявка считается ненайденной.
func (s *OrderService) GetOrder(ctx context.Context, codeOrID, checksum string) (*model.Order, error) {
	var (
		o   *model.Order
		err error
	)
	if id, perr := uuid.Parse(codeOrID); perr == nil {
		o, err = s.FindByID(ctx, id)
	} else {
		o, err = s.FindByCode(ctx, codeOrID)
	}
	if err != nil {
		return nil, err
	}

	if checksum != "" && !s.codes.Validate(o.Code, checksum) {
		return nil, model.ErrNotFound
	}
	return o, nil
}

// FindAll возвращает страницу заявок по фильтру.
func (s *OrderService) FindAll(ctx context.Context, f model.OrderFilter) (*model.OrderPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %s", model.ErrValidation, f.Status)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	f.Search = strings.TrimSpace(f.Search)

	items, total, err := s.repo.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}

	return &model.OrderPage{
		Items:   items,
		Total:   total,
		Page:    f.Page,
		Limit:   f.Limit,
		HasMore: f.Offset()+len(items) < total,
	}, nil
}
