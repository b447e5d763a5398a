package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/gateway"
	"github.com/mmeshcher/exchanger/internal/metrics"
	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/repository"
	"github.com/mmeshcher/exchanger/internal/validation"
)

// PaymentRepository описывает хранилище платежей и возвратов.
type PaymentRepository interface {
	PaymentCodeExists(ctx context.Context, code string) (bool, error)
	CreatePayment(ctx context.Context, p *model.Payment) error
	AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, metadata map[string]string) error
	GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	GetPaymentByCode(ctx context.Context, code string) (*model.Payment, error)
	UpdatePayment(ctx context.Context, key model.PaymentKey, fn func(p *model.Payment) (bool, error)) (*model.Payment, bool, error)
	ReserveRefund(ctx context.Context, paymentID uuid.UUID, fn func(p *model.Payment, reserved decimal.Decimal) (*model.Refund, error)) (*model.Payment, *model.Refund, error)
	UpdateRefund(ctx context.Context, refundID uuid.UUID, fn func(p *model.Payment, rf *model.Refund, completed decimal.Decimal) error) (*model.Payment, *model.Refund, error)
}

// Providers выбирает платёжного провайдера по gateway.
type Providers interface {
	Get(gw model.Gateway) (gateway.Provider, error)
}

// PaymentRecorder получает сигнал о завершённой оплате заявки.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, orderID uuid.UUID, p *model.Payment) error
}

// RefundRequest содержит параметры возврата, заданные администратором.
type RefundRequest struct {
	// Amount == nil означает возврат всей оставшейся суммы.
	Amount  *decimal.Decimal
	Reason  string
	AdminID string
}

// WebhookOutcome описывает результат обработки вебхука.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// PaymentService открывает платежи у провайдеров, сверяет вебхуки и оформляет возвраты.
type PaymentService struct {
	repo      PaymentRepository
	providers Providers
	codes     CodeGenerator
	orders    PaymentRecorder
	audit     AuditRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewPaymentService создаёт сервис платежей. orders и audit могут быть nil.
func NewPaymentService(
	repo PaymentRepository,
	providers Providers,
	codes CodeGenerator,
	orders PaymentRecorder,
	audit AuditRecorder,
	logger *zap.Logger,
) *PaymentService {
	if audit == nil {
		audit = noopAuditor{}
	}
	return &PaymentService{
		repo:      repo,
		providers: providers,
		codes:     codes,
		orders:    orders,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// CreatePayment сохраняет платёж в статусе PENDING и открывает его у провайдера.
func (s *PaymentService) CreatePayment(ctx context.Context, req model.CreatePaymentRequest) (*model.PaymentIntent, error) {
	req.Gateway = model.Gateway(strings.ToUpper(strings.TrimSpace(string(req.Gateway))))
	req.Currency = validation.NormalizeCurrency(req.Currency)

	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if err := validation.PositiveAmount("amount", req.Amount); err != nil {
		return nil, err
	}

	provider, err := s.providers.Get(req.Gateway)
	if err != nil {
		return nil, err
	}
	if err := gateway.CheckScale(req.Gateway, req.Amount); err != nil {
		return nil, err
	}

	fee, net, err := gateway.Fee(req.Gateway, req.Amount)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &model.Payment{
		ID:            uuid.New(),
		UserID:        req.UserID,
		OrderID:       req.OrderID,
		Gateway:       req.Gateway,
		Amount:        req.Amount,
		FeeAmount:     fee,
		NetAmount:     net,
		Currency:      req.Currency,
		Status:        model.PaymentStatusPending,
		CustomerEmail: req.CustomerEmail,
		Metadata:      req.Metadata,
		ExpiresAt:     now.Add(model.PaymentTTL),
		CreatedAt:     now,
	}

	if err := s.insertWithCode(ctx, p); err != nil {
		return nil, err
	}

	intent, err := provider.CreateIntent(ctx, gateway.IntentRequest{
		PaymentID:   p.ID,
		PaymentCode: p.Code,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Email:       p.CustomerEmail,
		Metadata:    p.Metadata,
	})
	if err != nil {
		s.markFailed(ctx, p, err)
		if errors.Is(err, model.ErrValidation) {
			return nil, err
		}
		if !errors.Is(err, model.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("open %s intent: %w", p.Gateway, err)
	}

	if err := s.repo.AttachExternalID(ctx, p.ID, intent.ExternalID, checkoutMetadata(intent.Checkout)); err != nil {
		return nil, fmt.Errorf("attach external id: %w", err)
	}
	p.ExternalID = intent.ExternalID

	metrics.PaymentTransitions.WithLabelValues(string(p.Gateway), string(p.Status)).Inc()
	s.audit.Record(model.AuditEntry{
		ActorID:    derefString(p.UserID),
		Action:     "payment.created",
		EntityType: "payment",
		EntityID:   p.ID.String(),
		NewValue:   map[string]string{"status": string(p.Status), "amount": p.Amount.String(), "gateway": string(p.Gateway)},
	})

	return &model.PaymentIntent{Payment: p, Checkout: intent.Checkout}, nil
}

func (s *PaymentService) insertWithCode(ctx context.Context, p *model.Payment) error {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return fmt.Errorf("generate payment code: %w", err)
		}

		exists, err := s.repo.PaymentCodeExists(ctx, code.Value)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		p.Code = code.Value
		err = s.repo.CreatePayment(ctx, p)
		if errors.Is(err, repository.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: no unique payment code after %d attempts", model.ErrExhaustedRetries, codeAttempts)
}

func (s *PaymentService) markFailed(ctx context.Context, p *model.Payment, cause error) {
	_, _, err := s.repo.UpdatePayment(ctx, model.PaymentKey{ID: p.ID}, func(cur *model.Payment) (bool, error) {
		if cur.Status != model.PaymentStatusPending {
			return false, nil
		}
		cur.Status = model.PaymentStatusFailed
		cur.ErrorDetail = cause.Error()
		return true, nil
	})
	if err != nil {
		s.logger.Error("failed to mark payment failed", zap.String("code", p.Code), zap.Error(err))
		return
	}
	p.Status = model.PaymentStatusFailed
	metrics.PaymentTransitions.WithLabelValues(string(p.Gateway), string(p.Status)).Inc()
}

// HandleWebhook проверяет и применяет событие провайдера.
// Повторная доставка уже применённого события ничего не меняет.
func (s *PaymentService) HandleWebhook(ctx context.Context, gw model.Gateway, payload []byte, signature string) (WebhookOutcome, error) {
	provider, err := s.providers.Get(gw)
	if err != nil {
		return "", err
	}

	ev, err := provider.ParseWebhook(payload, signature)
	if err != nil {
		outcome := "rejected"
		if errors.Is(err, model.ErrInvalidSignature) {
			outcome = "invalid_signature"
			s.logger.Warn("webhook signature rejected", zap.String("gateway", string(provider.Gateway())))
		}
		metrics.Webhooks.WithLabelValues(string(provider.Gateway()), outcome).Inc()
		return "", err
	}

	if ev.Kind == gateway.EventApproved {
		ev, err = s.capture(ctx, provider, ev)
		if err != nil {
			metrics.Webhooks.WithLabelValues(string(provider.Gateway()), "error").Inc()
			return "", err
		}
	}

	if ev.Kind == gateway.EventIgnored {
		metrics.Webhooks.WithLabelValues(string(provider.Gateway()), string(WebhookIgnored)).Inc()
		return WebhookIgnored, nil
	}

	now := s.now().UTC()
	var from model.PaymentStatus

	p, changed, err := s.repo.UpdatePayment(ctx, model.PaymentKey{ExternalID: ev.ExternalID, ID: ev.PaymentID},
		func(p *model.Payment) (bool, error) {
			if p.Gateway != provider.Gateway() {
				return false, fmt.Errorf("%w: payment %s belongs to %s", model.ErrValidation, p.Code, p.Gateway)
			}
			from = p.Status
			return applyWebhook(p, ev, now), nil
		})
	if err != nil {
		metrics.Webhooks.WithLabelValues(string(provider.Gateway()), "error").Inc()
		return "", fmt.Errorf("reconcile webhook: %w", err)
	}

	if !changed {
		metrics.Webhooks.WithLabelValues(string(provider.Gateway()), string(WebhookDuplicate)).Inc()
		s.logger.Info("duplicate webhook ignored", zap.String("code", p.Code), zap.String("status", string(p.Status)))
		return WebhookDuplicate, nil
	}

	metrics.Webhooks.WithLabelValues(string(provider.Gateway()), string(WebhookApplied)).Inc()
	metrics.PaymentTransitions.WithLabelValues(string(p.Gateway), string(p.Status)).Inc()
	s.logger.Info("payment status changed",
		zap.String("code", p.Code),
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)),
	)
	s.audit.Record(model.AuditEntry{
		ActorID:    SystemActor,
		Action:     "payment.status_changed",
		EntityType: "payment",
		EntityID:   p.ID.String(),
		OldValue:   map[string]string{"status": string(from)},
		NewValue:   map[string]string{"status": string(p.Status)},
	})

	if p.Status == model.PaymentStatusCompleted && p.OrderID != nil && s.orders != nil {
		if err := s.orders.RecordPayment(ctx, *p.OrderID, p); err != nil {
			// Платёж уже зафиксирован, заметка к заявке вторична.
			s.logger.Warn("failed to record payment on order", zap.String("code", p.Code), zap.Error(err))
		}
	}

	return WebhookApplied, nil
}

// capture захватывает средства по подтверждённому плательщиком платежу.
// Для уже обработанного платежа событие возвращается без изменений и дальше считается повтором.
func (s *PaymentService) capture(ctx context.Context, provider gateway.Provider, ev *gateway.WebhookEvent) (*gateway.WebhookEvent, error) {
	capturer, ok := provider.(gateway.Capturer)
	if !ok {
		return &gateway.WebhookEvent{Kind: gateway.EventIgnored}, nil
	}

	p, _, err := s.repo.UpdatePayment(ctx, model.PaymentKey{ExternalID: ev.ExternalID, ID: ev.PaymentID},
		func(p *model.Payment) (bool, error) {
			if p.Gateway != provider.Gateway() {
				return false, fmt.Errorf("%w: payment %s belongs to %s", model.ErrValidation, p.Code, p.Gateway)
			}
			return false, nil
		})
	if err != nil {
		return nil, fmt.Errorf("load approved payment: %w", err)
	}
	if p.Status != model.PaymentStatusPending {
		return ev, nil
	}

	externalID := ev.ExternalID
	if externalID == "" {
		externalID = p.ExternalID
	}
	captured, err := capturer.Capture(ctx, externalID, "capture-"+p.ID.String())
	if err != nil {
		s.logger.Error("payment capture failed", zap.String("code", p.Code), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	s.logger.Info("payment captured", zap.String("code", p.Code), zap.String("result", string(captured.Kind)))

	captured.ExternalID = externalID
	captured.PaymentID = p.ID
	return captured, nil
}

// applyWebhook применяет событие к заблокированному платежу и сообщает, изменился ли он.
func applyWebhook(p *model.Payment, ev *gateway.WebhookEvent, now time.Time) bool {
	switch ev.Kind {
	case gateway.EventSucceeded:
		if p.Status == model.PaymentStatusCompleted || p.Status == model.PaymentStatusRefunded {
			return false
		}
		p.Status = model.PaymentStatusCompleted
		p.PaidAt = &now
		p.ErrorDetail = ""
	case gateway.EventFailed:
		if p.Status != model.PaymentStatusPending {
			return false
		}
		p.Status = model.PaymentStatusFailed
		p.ErrorDetail = ev.ErrorDetail
	default:
		return false
	}

	if p.ExternalID == "" {
		p.ExternalID = ev.ExternalID
	}
	p.WebhookData = ev.Raw
	return true
}

// RefundPayment оформляет возврат по завершённому платежу.
// Сумма всех возвратов не может превысить сумму платежа.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID uuid.UUID, req RefundRequest) (*model.Refund, error) {
	if req.Amount != nil {
		if err := validation.PositiveAmount("amount", *req.Amount); err != nil {
			return nil, err
		}
	}

	p, rf, err := s.repo.ReserveRefund(ctx, paymentID, func(p *model.Payment, reserved decimal.Decimal) (*model.Refund, error) {
		if p.Status != model.PaymentStatusCompleted {
			return nil, fmt.Errorf("%w: payment %s is %s, expected COMPLETED", model.ErrInvalidState, p.Code, p.Status)
		}

		remaining := p.Amount.Sub(reserved)
		if !remaining.IsPositive() {
			return nil, fmt.Errorf("%w: payment %s is already fully refunded", model.ErrInvalidState, p.Code)
		}

		amount := remaining
		if req.Amount != nil {
			amount = *req.Amount
		}
		if amount.GreaterThan(remaining) {
			return nil, fmt.Errorf("%w: refund %s exceeds refundable %s", model.ErrValidation, amount, remaining)
		}
		if err := gateway.CheckScale(p.Gateway, amount); err != nil {
			return nil, err
		}

		return &model.Refund{
			ID:          uuid.New(),
			PaymentID:   p.ID,
			Amount:      amount,
			Reason:      req.Reason,
			Status:      model.RefundStatusPending,
			ProcessedBy: req.AdminID,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	provider, err := s.providers.Get(p.Gateway)
	if err != nil {
		s.finishRefund(ctx, rf.ID, "", err)
		return nil, err
	}

	gw := p.Gateway
	externalRefundID, refundErr := provider.Refund(ctx, p.ExternalID, rf.Amount, p.Currency)
	p, rf, err = s.finishRefund(ctx, rf.ID, externalRefundID, refundErr)
	if refundErr != nil {
		if !errors.Is(refundErr, model.ErrUpstreamUnavailable) && !errors.Is(refundErr, model.ErrInvalidState) {
			refundErr = fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, refundErr)
		}
		return nil, fmt.Errorf("refund via %s: %w", gw, refundErr)
	}
	if err != nil {
		return nil, err
	}

	metrics.PaymentTransitions.WithLabelValues(string(p.Gateway), string(p.Status)).Inc()
	s.audit.Record(model.AuditEntry{
		ActorID:    req.AdminID,
		Action:     "payment.refunded",
		EntityType: "payment",
		EntityID:   p.ID.String(),
		NewValue: map[string]string{
			"refund_id": rf.ID.String(),
			"amount":    rf.Amount.String(),
			"status":    string(p.Status),
		},
	})

	return rf, nil
}

// finishRefund фиксирует результат обращения к провайдеру.
func (s *PaymentService) finishRefund(ctx context.Context, refundID uuid.UUID, externalID string, cause error) (*model.Payment, *model.Refund, error) {
	now := s.now().UTC()

	p, rf, err := s.repo.UpdateRefund(ctx, refundID, func(p *model.Payment, rf *model.Refund, completed decimal.Decimal) error {
		rf.ProcessedAt = &now
		if cause != nil {
			rf.Status = model.RefundStatusFailed
			return nil
		}

		rf.Status = model.RefundStatusCompleted
		rf.ExternalID = externalID
		if completed.Add(rf.Amount).GreaterThanOrEqual(p.Amount) {
			p.Status = model.PaymentStatusRefunded
			p.RefundedAt = &now
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to finish refund", zap.String("refund_id", refundID.String()), zap.Error(err))
		return nil, nil, fmt.Errorf("finish refund: %w", err)
	}
	return p, rf, nil
}

// GetPayment ищет платёж по UUID или коду. Статус PENDING после срока оплаты отдаётся как EXPIRED.
func (s *PaymentService) GetPayment(ctx context.Context, codeOrID string) (*model.Payment, error) {
	var (
		p   *model.Payment
		err error
	)
	if id, perr := uuid.Parse(codeOrID); perr == nil {
		p, err = s.repo.GetPayment(ctx, id)
	} else {
		code := strings.ToUpper(strings.TrimSpace(codeOrID))
		if !s.codes.WellFormed(code) {
			return nil, model.ErrNotFound
		}
		p, err = s.repo.GetPaymentByCode(ctx, code)
	}
	if err != nil {
		return nil, err
	}

	p.Status = p.EffectiveStatus(s.now())
	return p, nil
}

// checkoutMetadata сохраняет публичные данные оформления оплаты, кроме client_secret.
func checkoutMetadata(checkout map[string]string) map[string]string {
	md := make(map[string]string, len(checkout))
	for k, v := range checkout {
		if k == "client_secret" {
			continue
		}
		md["checkout_"+k] = v
	}
	return md
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
