package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/mmeshcher/exchanger/internal/model"
)

// StripeConfig содержит параметры карточного провайдера.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL переопределяет адрес API; при пустом значении используется боевой.
	APIURL string
}

// StripeProvider принимает оплату картой через PaymentIntents.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider создаёт карточного провайдера.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	var backends *stripe.Backends
	if cfg.APIURL != "" {
		bc := &stripe.BackendConfig{
			URL:               stripe.String(strings.TrimRight(cfg.APIURL, "/")),
			HTTPClient:        &http.Client{Timeout: 10 * time.Second},
			MaxNetworkRetries: stripe.Int64(1),
		}
		backends = &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
		}
	}

	return &StripeProvider{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

// Gateway возвращает идентификатор провайдера.
func (p *StripeProvider) Gateway() model.Gateway {
	return model.GatewayStripe
}

// minorUnits переводит сумму в минимальные единицы валюты.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreateIntent открывает PaymentIntent и возвращает client_secret для оформления оплаты.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[MetadataPaymentID] = req.PaymentID.String()
	metadata["payment_code"] = req.PaymentCode

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.Metadata = metadata
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.SetIdempotencyKey("intent-" + req.PaymentID.String())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create payment intent: %v", model.ErrUpstreamUnavailable, err)
	}

	return &Intent{
		ExternalID: pi.ID,
		Checkout: map[string]string{
			"client_secret": pi.ClientSecret,
		},
	}, nil
}

// ParseWebhook проверяет заголовок Stripe-Signature и разбирает событие.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if err := webhook.ValidatePayload(payload, signature, p.webhookSecret); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", model.ErrValidation, err)
	}

	var kind EventKind
	switch event.Type {
	case "payment_intent.succeeded":
		kind = EventSucceeded
	case "payment_intent.payment_failed":
		kind = EventFailed
	default:
		return &WebhookEvent{Kind: EventIgnored, Raw: payload}, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: event without data", model.ErrValidation)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", model.ErrValidation, err)
	}

	ev := &WebhookEvent{
		Kind:       kind,
		ExternalID: pi.ID,
		PaymentID:  paymentIDFrom(pi.Metadata[MetadataPaymentID]),
		Raw:        payload,
	}
	if kind == EventFailed {
		ev.ErrorDetail = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			ev.ErrorDetail = pi.LastPaymentError.Msg
		}
	}
	return ev, nil
}

// Refund возвращает amount по PaymentIntent.
func (p *StripeProvider) Refund(ctx context.Context, externalID string, amount decimal.Decimal, currency string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalID),
		Amount:        stripe.Int64(minorUnits(amount)),
	}
	params.Context = ctx

	rf, err := p.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: create refund: %v", model.ErrUpstreamUnavailable, err)
	}
	return rf.ID, nil
}
