package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/gateway"
	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/ordercode"
	"github.com/mmeshcher/exchanger/internal/repository"
)

type stubCodes struct {
	mu    sync.Mutex
	codes []string
	next  int
}

func (s *stubCodes) Generate() (ordercode.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.codes[s.next%len(s.codes)]
	s.next++
	return ordercode.Code{Value: code, Checksum: "sum-" + code}, nil
}

func (s *stubCodes) Validate(code, checksum string) bool {
	return checksum == "sum-"+code
}

func (s *stubCodes) WellFormed(code string) bool {
	return strings.Count(code, "-") == 2
}

type stubRates struct {
	snap *model.RateSnapshot
	err  error
}

func (s *stubRates) GetRate(ctx context.Context, from, to string) (*model.RateSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

type stubNotifier struct{}

func (stubNotifier) Jobs(ev model.Event) []model.NotificationJob {
	return []model.NotificationJob{{
		ID:        uuid.New(),
		Event:     ev.Kind,
		Channel:   "email",
		Recipient: ev.Order.ClientEmail,
		Payload: model.NotificationPayload{
			Event:     ev.Kind,
			OrderID:   ev.Order.ID.String(),
			OrderCode: ev.Order.Code,
			Status:    string(ev.Order.Status),
			Reason:    ev.Reason,
		},
		Status: model.NotificationStatusPending,
	}}
}

type stubAuditor struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (s *stubAuditor) Record(e model.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

type stubOrderRepo struct {
	mu          sync.Mutex
	currencies  map[string]model.Currency
	orders      map[uuid.UUID]*model.Order
	takenCodes  map[string]bool
	createErrs  []error
	createCalls int
	// updateErr имитирует сбой фиксации транзакции после fn.
	updateErr error
	queued    []model.NotificationJob
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{
		currencies: map[string]model.Currency{
			"BTC": {Code: "BTC", IsActive: true, MinAmount: decimal.RequireFromString("0.0001"), MaxAmount: decimal.NewFromInt(10)},
			"USD": {Code: "USD", IsActive: true, MinAmount: decimal.NewFromInt(10), MaxAmount: decimal.NewFromInt(500000)},
			"EUR": {Code: "EUR", IsActive: false, MinAmount: decimal.NewFromInt(10), MaxAmount: decimal.NewFromInt(500000)},
		},
		orders:     map[uuid.UUID]*model.Order{},
		takenCodes: map[string]bool{},
	}
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.StatusHistory = append([]model.StatusHistoryEntry(nil), o.StatusHistory...)
	return &c
}

func (s *stubOrderRepo) GetCurrency(ctx context.Context, code string) (*model.Currency, error) {
	c, ok := s.currencies[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &c, nil
}

func (s *stubOrderRepo) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takenCodes[code], nil
}

func (s *stubOrderRepo) CreateOrder(ctx context.Context, o *model.Order, entry *model.StatusHistoryEntry, jobs []model.NotificationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.takenCodes[o.Code] {
		return repository.ErrDuplicateCode
	}
	s.takenCodes[o.Code] = true
	o.StatusHistory = []model.StatusHistoryEntry{*entry}
	s.orders[o.ID] = cloneOrder(o)
	s.queued = append(s.queued, jobs...)
	return nil
}

func (s *stubOrderRepo) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *stubOrderRepo) GetOrderByCode(ctx context.Context, code string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Code == code {
			return cloneOrder(o), nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *stubOrderRepo) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []model.Order
	for _, o := range s.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(o.Code+" "+o.ClientEmail), strings.ToLower(f.Search)) {
			continue
		}
		matched = append(matched, *o)
	}

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *stubOrderRepo) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(o *model.Order) (*model.OrderChange, error)) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	o := cloneOrder(cur)
	change, err := fn(o)
	if err != nil {
		return nil, err
	}
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	if change != nil {
		if change.History != nil {
			change.History.CreatedAt = time.Now()
			o.StatusHistory = append(o.StatusHistory, *change.History)
		}
		s.queued = append(s.queued, change.Notifications...)
	}
	s.orders[id] = cloneOrder(o)
	return o, nil
}

func (s *stubOrderRepo) queuedKinds() []model.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.EventKind, 0, len(s.queued))
	for _, j := range s.queued {
		res = append(res, j.Event)
	}
	return res
}

func (s *stubOrderRepo) lastQueued() model.NotificationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued[len(s.queued)-1]
}

func (s *stubOrderRepo) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, o := range s.orders {
		if o.Status == model.OrderStatusPending && o.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type stubPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*model.Payment
	refunds  map[uuid.UUID]*model.Refund
}

func newStubPaymentRepo() *stubPaymentRepo {
	return &stubPaymentRepo{
		payments: map[uuid.UUID]*model.Payment{},
		refunds:  map[uuid.UUID]*model.Refund{},
	}
}

func clonePayment(p *model.Payment) *model.Payment {
	c := *p
	c.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (s *stubPaymentRepo) PaymentCodeExists(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubPaymentRepo) CreatePayment(ctx context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *stubPaymentRepo) AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return model.ErrNotFound
	}
	if p.ExternalID == "" {
		p.ExternalID = externalID
	}
	for k, v := range metadata {
		p.Metadata[k] = v
	}
	return nil
}

func (s *stubPaymentRepo) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *stubPaymentRepo) GetPaymentByCode(ctx context.Context, code string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Code == code {
			return clonePayment(p), nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *stubPaymentRepo) find(key model.PaymentKey) (*model.Payment, bool) {
	if key.ExternalID != "" {
		for _, p := range s.payments {
			if p.ExternalID == key.ExternalID {
				return p, true
			}
		}
	}
	p, ok := s.payments[key.ID]
	return p, ok
}

func (s *stubPaymentRepo) UpdatePayment(ctx context.Context, key model.PaymentKey, fn func(p *model.Payment) (bool, error)) (*model.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.find(key)
	if !ok {
		return nil, false, model.ErrNotFound
	}
	p := clonePayment(cur)
	changed, err := fn(p)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.payments[p.ID] = clonePayment(p)
	}
	return p, changed, nil
}

func (s *stubPaymentRepo) sumRefunds(paymentID, exclude uuid.UUID, statuses ...model.RefundStatus) decimal.Decimal {
	total := decimal.Zero
	for _, rf := range s.refunds {
		if rf.PaymentID != paymentID || rf.ID == exclude {
			continue
		}
		for _, st := range statuses {
			if rf.Status == st {
				total = total.Add(rf.Amount)
			}
		}
	}
	return total
}

func (s *stubPaymentRepo) ReserveRefund(ctx context.Context, paymentID uuid.UUID, fn func(p *model.Payment, reserved decimal.Decimal) (*model.Refund, error)) (*model.Payment, *model.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.payments[paymentID]
	if !ok {
		return nil, nil, model.ErrNotFound
	}
	p := clonePayment(cur)
	rf, err := fn(p, s.sumRefunds(p.ID, uuid.Nil, model.RefundStatusPending, model.RefundStatusCompleted))
	if err != nil {
		return nil, nil, err
	}
	stored := *rf
	s.refunds[rf.ID] = &stored
	return p, rf, nil
}

func (s *stubPaymentRepo) UpdateRefund(ctx context.Context, refundID uuid.UUID, fn func(p *model.Payment, rf *model.Refund, completed decimal.Decimal) error) (*model.Payment, *model.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.refunds[refundID]
	if !ok {
		return nil, nil, model.ErrNotFound
	}
	rf := *cur
	p := clonePayment(s.payments[rf.PaymentID])
	if err := fn(p, &rf, s.sumRefunds(p.ID, rf.ID, model.RefundStatusCompleted)); err != nil {
		return nil, nil, err
	}
	stored := rf
	s.refunds[rf.ID] = &stored
	s.payments[p.ID] = clonePayment(p)
	return p, &rf, nil
}

func (s *stubPaymentRepo) refundsFor(paymentID uuid.UUID) []model.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Refund
	for _, rf := range s.refunds {
		if rf.PaymentID == paymentID {
			res = append(res, *rf)
		}
	}
	return res
}

type stubProvider struct {
	mu sync.Mutex
	gw model.Gateway

	intent    *gateway.Intent
	intentErr error

	event    *gateway.WebhookEvent
	parseErr error

	refundID    string
	refundErr   error
	refundCalls int

	captured    *gateway.WebhookEvent
	captureErr  error
	captureKeys []string
}

func (p *stubProvider) Gateway() model.Gateway { return p.gw }

func (p *stubProvider) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	if p.intentErr != nil {
		return nil, p.intentErr
	}
	return p.intent, nil
}

func (p *stubProvider) ParseWebhook(payload []byte, signature string) (*gateway.WebhookEvent, error) {
	if signature != "valid" {
		return nil, model.ErrInvalidSignature
	}
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	ev := *p.event
	ev.Raw = payload
	return &ev, nil
}

func (p *stubProvider) Refund(ctx context.Context, externalID string, amount decimal.Decimal, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundCalls++
	if p.refundErr != nil {
		return "", p.refundErr
	}
	return p.refundID, nil
}

func (p *stubProvider) Capture(ctx context.Context, externalID, idempotencyKey string) (*gateway.WebhookEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureKeys = append(p.captureKeys, idempotencyKey)
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	ev := *p.captured
	return &ev, nil
}

type stubRecorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (s *stubRecorder) RecordPayment(ctx context.Context, orderID uuid.UUID, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderID)
	return nil
}
