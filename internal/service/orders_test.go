package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type orderFixture struct {
	svc    *OrderService
	repo   *stubOrderRepo
	rates  *stubRates
	codes  *stubCodes
	audit  *stubAuditor
}

func newOrderFixture() *orderFixture {
	f := &orderFixture{
		repo: newStubOrderRepo(),
		rates: &stubRates{snap: &model.RateSnapshot{
			ID:            uuid.New(),
			Pair:          "BTC/USD",
			Rate:          decimal.NewFromInt(67500),
			SpreadPercent: decimal.RequireFromString("0.5"),
			EffectiveRate: decimal.RequireFromString("67162.5"),
		}},
		codes: &stubCodes{codes: []string{"EX-AAAAAA-AAAAAA", "EX-BBBBBB-BBBBBB", "EX-CCCCCC-CCCCCC"}},
		audit: &stubAuditor{},
	}
	f.svc = NewOrderService(f.repo, f.rates, f.codes, stubNotifier{}, f.audit, zap.NewNop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

func validOrderRequest() model.CreateOrderRequest {
	return model.CreateOrderRequest{
		FromCurrency: "btc",
		ToCurrency:   "usd",
		FromAmount:   decimal.RequireFromString("0.01"),
		ClientEmail:  "client@example.com",
	}
}

func TestCreateOrder_LocksRate(t *testing.T) {
	f := newOrderFixture()

	o, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, o.Status)
	assert.True(t, decimal.RequireFromString("671.625").Equal(o.ToAmount), o.ToAmount.String())
	assert.True(t, decimal.RequireFromString("67162.5").Equal(o.LockedRate))
	assert.Equal(t, f.rates.snap.ID, o.ExchangeRateID)
	assert.Equal(t, "BTC", o.FromCurrency)
	assert.Equal(t, "USD", o.ToCurrency)
	assert.Equal(t, "EX-AAAAAA-AAAAAA", o.Code)
	assert.Equal(t, "sum-EX-AAAAAA-AAAAAA", o.Checksum)
	assert.Equal(t, testNow.Add(30*time.Minute), o.ExpiresAt)

	require.Len(t, o.StatusHistory, 1)
	assert.Equal(t, model.OrderStatus(""), o.StatusHistory[0].FromStatus)
	assert.Equal(t, model.OrderStatusPending, o.StatusHistory[0].ToStatus)

	assert.Equal(t, []model.EventKind{model.EventOrderCreated}, f.repo.queuedKinds())
	assert.Len(t, f.audit.entries, 1)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *model.CreateOrderRequest)
	}{
		{"inactive currency", func(r *model.CreateOrderRequest) { r.ToCurrency = "EUR" }},
		{"unknown currency", func(r *model.CreateOrderRequest) { r.ToCurrency = "XYZ" }},
		{"below minimum", func(r *model.CreateOrderRequest) { r.FromAmount = decimal.RequireFromString("0.00001") }},
		{"above maximum", func(r *model.CreateOrderRequest) { r.FromAmount = decimal.NewFromInt(11) }},
		{"zero amount", func(r *model.CreateOrderRequest) { r.FromAmount = decimal.Zero }},
		{"same currency", func(r *model.CreateOrderRequest) { r.ToCurrency = "BTC" }},
		{"bad email", func(r *model.CreateOrderRequest) { r.ClientEmail = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture()
			req := validOrderRequest()
			tt.mutate(&req)

			_, err := f.svc.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, model.ErrValidation)
			assert.Empty(t, f.repo.orders)
			assert.Empty(t, f.repo.queuedKinds())
		})
	}
}

func TestCreateOrder_NoRate(t *testing.T) {
	f := newOrderFixture()
	f.rates.err = model.ErrUpstreamUnavailable

	_, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
	assert.Empty(t, f.repo.orders)
	assert.Zero(t, f.repo.createCalls)
}

func TestCreateOrder_CodeCollisions(t *testing.T) {
	f := newOrderFixture()
	f.repo.takenCodes["EX-AAAAAA-AAAAAA"] = true
	f.repo.createErrs = []error{repository.ErrDuplicateCode}

	o, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.NoError(t, err)
	assert.Equal(t, "EX-CCCCCC-CCCCCC", o.Code)
	assert.Equal(t, 2, f.repo.createCalls)
}

func TestCreateOrder_ExhaustedRetries(t *testing.T) {
	f := newOrderFixture()
	for _, c := range f.codes.codes {
		f.repo.takenCodes[c] = true
	}

	_, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.ErrorIs(t, err, model.ErrExhaustedRetries)
	assert.Equal(t, codeAttempts, f.codes.next)
	assert.Zero(t, f.repo.createCalls)
}

func TestCreateOrder_StoreFailure(t *testing.T) {
	f := newOrderFixture()
	f.repo.createErrs = []error{errors.New("db down")}

	_, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.Error(t, err)
	assert.Empty(t, f.repo.queuedKinds())
}

func createdOrder(t *testing.T, f *orderFixture) *model.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), validOrderRequest())
	require.NoError(t, err)
	return o
}

func TestApprove_Expired(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	f.svc.now = func() time.Time { return o.ExpiresAt.Add(time.Second) }

	_, err := f.svc.Approve(context.Background(), o.ID, "admin-1", "")
	require.ErrorIs(t, err, model.ErrExpired)

	stored, err := f.svc.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.Len(t, stored.StatusHistory, 1)
}

func TestApprove_AtExpiryBoundary(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	f.svc.now = func() time.Time { return o.ExpiresAt }

	approved, err := f.svc.Approve(context.Background(), o.ID, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusApproved, approved.Status)
}

func TestStateMachine(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, o.ID, "admin-1", "")
	require.ErrorIs(t, err, model.ErrInvalidState)

	approved, err := f.svc.Approve(ctx, o.ID, "admin-1", "kyc ok")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ProcessedBy)

	_, err = f.svc.Reject(ctx, o.ID, "admin-2", "too late")
	require.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.svc.Approve(ctx, o.ID, "admin-2", "")
	require.ErrorIs(t, err, model.ErrInvalidState)

	completed, err := f.svc.Complete(ctx, o.ID, "admin-2", "funds sent")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, completed.Status)
	assert.Equal(t, "kyc ok\nfunds sent", completed.AdminNotes)
	assert.Equal(t, "admin-2", completed.ProcessedBy)

	require.Len(t, completed.StatusHistory, 3)
	assert.Equal(t, model.OrderStatusPending, completed.StatusHistory[1].FromStatus)
	assert.Equal(t, model.OrderStatusApproved, completed.StatusHistory[1].ToStatus)
	assert.Equal(t, model.OrderStatusApproved, completed.StatusHistory[2].FromStatus)
	assert.Equal(t, model.OrderStatusCompleted, completed.StatusHistory[2].ToStatus)

	_, err = f.svc.Cancel(ctx, o.ID, "admin-1", "")
	require.ErrorIs(t, err, model.ErrInvalidState)

	assert.Equal(t, []model.EventKind{
		model.EventOrderCreated, model.EventOrderApproved, model.EventOrderCompleted,
	}, f.repo.queuedKinds())
}

func TestReject(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	_, err := f.svc.Reject(context.Background(), o.ID, "admin-1", "  ")
	require.ErrorIs(t, err, model.ErrValidation)

	rejected, err := f.svc.Reject(context.Background(), o.ID, "admin-1", "suspicious wallet")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, rejected.Status)

	last := f.repo.lastQueued()
	assert.Equal(t, model.EventOrderRejected, last.Event)
	assert.Equal(t, "suspicious wallet", last.Payload.Reason)
	assert.Equal(t, string(model.OrderStatusRejected), last.Payload.Status)
}

func TestApprove_QueuesNotificationWithTransition(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	approved, err := f.svc.Approve(ctx, o.ID, "admin-1", "")
	cancel()
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusApproved, approved.Status)

	// Задание уже сохранено вместе с заявкой, отмена контекста запроса его не теряет.
	last := f.repo.lastQueued()
	assert.Equal(t, model.EventOrderApproved, last.Event)
	assert.Equal(t, o.ID.String(), last.Payload.OrderID)
	assert.Equal(t, string(model.OrderStatusApproved), last.Payload.Status)
}

func TestApprove_FailedCommitQueuesNothing(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)
	f.repo.updateErr = errors.New("commit failed")

	_, err := f.svc.Approve(context.Background(), o.ID, "admin-1", "")
	require.Error(t, err)

	assert.Equal(t, []model.EventKind{model.EventOrderCreated}, f.repo.queuedKinds())
	stored, err := f.svc.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
}

func TestTransition_NotFound(t *testing.T) {
	f := newOrderFixture()

	_, err := f.svc.Approve(context.Background(), uuid.New(), "admin-1", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApprove_ConcurrentAdmins(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	const admins = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		invalid   int
	)

	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Approve(context.Background(), o.ID, "admin", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrInvalidState):
				invalid++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, admins-1, invalid)

	stored, err := f.svc.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.StatusHistory, 2)
}

func TestCancel(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID, "admin-1", "client request")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, []model.EventKind{model.EventOrderCreated}, f.repo.queuedKinds())
}

func TestExpireStale(t *testing.T) {
	f := newOrderFixture()
	stale := createdOrder(t, f)

	f.svc.now = func() time.Time { return testNow.Add(20 * time.Minute) }
	fresh := createdOrder(t, f)

	f.svc.now = func() time.Time { return testNow.Add(40 * time.Minute) }

	n, err := f.svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.FindByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, got.Status)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, SystemActor, got.StatusHistory[1].ChangedBy)
	assert.Empty(t, got.ProcessedBy)

	got, err = f.svc.FindByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)

	n, err = f.svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartExpirySweep(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)
	f.svc.now = func() time.Time { return testNow.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.StartExpirySweep(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := f.svc.FindByID(context.Background(), o.ID)
		return err == nil && got.Status == model.OrderStatusExpired
	}, time.Second, 5*time.Millisecond)
}

func TestRecordPayment(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)

	err := f.svc.RecordPayment(context.Background(), o.ID, &model.Payment{
		ID:       uuid.New(),
		Code:     "PAY-AAAAAA-AAAAAA",
		Gateway:  model.GatewayStripe,
		Amount:   decimal.NewFromInt(671),
		Currency: "USD",
	})
	require.NoError(t, err)

	got, err := f.svc.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)
	assert.Equal(t, "payment PAY-AAAAAA-AAAAAA completed via STRIPE: 671 USD", got.AdminNotes)
	assert.Len(t, got.StatusHistory, 1)

	require.ErrorIs(t, f.svc.RecordPayment(context.Background(), uuid.New(), &model.Payment{}), model.ErrNotFound)
}

func TestGetOrder(t *testing.T) {
	f := newOrderFixture()
	o := createdOrder(t, f)
	ctx := context.Background()

	got, err := f.svc.GetOrder(ctx, o.ID.String(), "")
	require.NoError(t, err)
	assert.Equal(t, o.Code, got.Code)

	got, err = f.svc.GetOrder(ctx, "ex-aaaaaa-aaaaaa", o.Checksum)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = f.svc.GetOrder(ctx, o.Code, "deadbeef")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.GetOrder(ctx, "garbage", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestFindAll_Pagination(t *testing.T) {
	f := newOrderFixture()
	for i := 0; i < 45; i++ {
		id := uuid.New()
		f.repo.orders[id] = &model.Order{ID: id, Code: "EX-" + id.String()[:6], Status: model.OrderStatusPending, ClientEmail: "c@example.com"}
	}
	ctx := context.Background()

	page, err := f.svc.FindAll(ctx, model.OrderFilter{Page: 2, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, page.Items, 20)
	assert.Equal(t, 45, page.Total)
	assert.True(t, page.HasMore)

	page, err = f.svc.FindAll(ctx, model.OrderFilter{Page: 3, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.False(t, page.HasMore)

	page, err = f.svc.FindAll(ctx, model.OrderFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, MaxPageLimit, page.Limit)
	assert.False(t, page.HasMore)

	page, err = f.svc.FindAll(ctx, model.OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageLimit, page.Limit)
	assert.True(t, page.HasMore)

	_, err = f.svc.FindAll(ctx, model.OrderFilter{Status: "LOST"})
	require.ErrorIs(t, err, model.ErrValidation)
}
