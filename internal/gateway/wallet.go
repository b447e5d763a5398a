package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/httpx"
	"github.com/mmeshcher/exchanger/internal/model"
)

// WalletSignatureHeader содержит подпись вебхука кошелька.
const WalletSignatureHeader = "X-Webhook-Signature"

// WalletConfig содержит параметры провайдера с редиректом на кошелёк.
type WalletConfig struct {
	APIURL        string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	ReturnURL     string
}

// TokenStore описывает общий для экземпляров сервиса кэш короткоживущих секретов.
type TokenStore interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
	SetSecret(ctx context.Context, key, value string, ttl time.Duration) error
}

// tokenRefreshMargin задаёт запас до истечения токена, после которого он запрашивается заново.
const tokenRefreshMargin = time.Minute

// WalletProvider оформляет оплату через редирект на страницу кошелька.
type WalletProvider struct {
	cfg        WalletConfig
	httpClient *retryablehttp.Client
	now        func() time.Time
	tokens     TokenStore
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWalletProvider создаёт провайдера кошелька.
func NewWalletProvider(cfg WalletConfig, logger *zap.Logger) *WalletProvider {
	p := newWalletProvider(cfg, httpx.NewClient(logger, httpx.DefaultOptions))
	p.logger = logger
	return p
}

func newWalletProvider(cfg WalletConfig, hc *retryablehttp.Client) *WalletProvider {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &WalletProvider{cfg: cfg, httpClient: hc, now: time.Now, logger: zap.NewNop()}
}

// WithTokenStore включает разделяемый кэш токена доступа.
func (p *WalletProvider) WithTokenStore(store TokenStore) *WalletProvider {
	p.tokens = store
	return p
}

// Gateway возвращает идентификатор провайдера.
func (p *WalletProvider) Gateway() model.Gateway {
	return model.GatewayWallet
}

type walletToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *WalletProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	key := "wallet-token:" + p.cfg.ClientID
	if p.tokens != nil {
		tok, ok, err := p.tokens.GetSecret(ctx, key)
		if err != nil {
			p.logger.Warn("failed to read shared wallet token", zap.Error(err))
		}
		if err == nil && ok {
			p.token = tok
			// Срок общей копии неизвестен, она используется локально не дольше минуты.
			p.tokenExpiry = p.now().Add(tokenRefreshMargin)
			return tok, nil
		}
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.APIURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok walletToken
	if err := p.do(req, &tok); err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", model.ErrUpstreamUnavailable)
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenRefreshMargin
	p.token = tok.AccessToken
	p.tokenExpiry = p.now().Add(ttl)
	if p.tokens != nil && ttl > 0 {
		if err := p.tokens.SetSecret(ctx, key, p.token, ttl); err != nil {
			p.logger.Warn("failed to share wallet token", zap.Error(err))
		}
	}
	return p.token, nil
}

func (p *WalletProvider) do(req *retryablehttp.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", model.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", model.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (p *WalletProvider) call(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.cfg.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return p.do(req, out)
}

type walletAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type walletPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	CustomID    string       `json:"custom_id"`
	Amount      walletAmount `json:"amount"`
}

type walletOrderRequest struct {
	Intent        string               `json:"intent"`
	PurchaseUnits []walletPurchaseUnit `json:"purchase_units"`
	ReturnURL     string               `json:"return_url,omitempty"`
}

type walletLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type walletCapture struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type walletOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []walletLink `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []walletCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CreateIntent создаёт заказ в кошельке и возвращает ссылку для перехода к оплате.
func (p *WalletProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	body := walletOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []walletPurchaseUnit{{
			ReferenceID: req.PaymentCode,
			CustomID:    req.PaymentID.String(),
			Amount: walletAmount{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        req.Amount.StringFixed(2),
			},
		}},
		ReturnURL: p.cfg.ReturnURL,
	}

	var order walletOrder
	if err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", body, "intent-"+req.PaymentID.String(), &order); err != nil {
		return nil, fmt.Errorf("create wallet order: %w", err)
	}

	checkout := map[string]string{}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			checkout["redirect_url"] = l.Href
			break
		}
	}

	return &Intent{ExternalID: order.ID, Checkout: checkout}, nil
}

type walletWebhook struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		CustomID          string `json:"custom_id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
		PurchaseUnits []struct {
			CustomID string `json:"custom_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

// SignWalletPayload вычисляет подпись вебхука кошелька (hex HMAC-SHA256).
func SignWalletPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook проверяет подпись и разбирает событие захвата платежа.
func (p *WalletProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || p.cfg.WebhookSecret == "" {
		return nil, model.ErrInvalidSignature
	}
	want, _ := hex.DecodeString(SignWalletPayload(payload, p.cfg.WebhookSecret))
	if !hmac.Equal(got, want) {
		return nil, model.ErrInvalidSignature
	}

	var wh walletWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: decode webhook: %v", model.ErrValidation, err)
	}

	ev := &WebhookEvent{
		ExternalID: wh.Resource.SupplementaryData.RelatedIDs.OrderID,
		PaymentID:  paymentIDFrom(wh.Resource.CustomID),
		Raw:        payload,
	}

	switch wh.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		// Ресурс события: сам заказ; деньги списываются только после захвата.
		ev.Kind = EventApproved
		ev.ExternalID = wh.Resource.ID
		if len(wh.Resource.PurchaseUnits) > 0 {
			ev.PaymentID = paymentIDFrom(wh.Resource.PurchaseUnits[0].CustomID)
		}
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Kind = EventSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		ev.Kind = EventFailed
		ev.ErrorDetail = strings.ToLower(wh.Resource.StatusDetails.Reason)
		if ev.ErrorDetail == "" {
			ev.ErrorDetail = "capture " + strings.ToLower(strings.TrimPrefix(wh.EventType, "PAYMENT.CAPTURE."))
		}
	default:
		return &WebhookEvent{Kind: EventIgnored, Raw: payload}, nil
	}
	return ev, nil
}

// Capture захватывает средства по подтверждённому плательщиком заказу.
// Повторный вызов с тем же idempotencyKey не приводит ко второму списанию.
func (p *WalletProvider) Capture(ctx context.Context, externalID, idempotencyKey string) (*WebhookEvent, error) {
	var order walletOrder
	path := "/v2/checkout/orders/" + url.PathEscape(externalID) + "/capture"
	if err := p.call(ctx, http.MethodPost, path, struct{}{}, idempotencyKey, &order); err != nil {
		return nil, fmt.Errorf("capture wallet order: %w", err)
	}

	ev := &WebhookEvent{Kind: EventIgnored, ExternalID: externalID}
	for _, pu := range order.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			switch c.Status {
			case "COMPLETED":
				ev.Kind = EventSucceeded
			case "DECLINED", "FAILED":
				ev.Kind = EventFailed
				ev.ErrorDetail = strings.ToLower(c.StatusDetails.Reason)
				if ev.ErrorDetail == "" {
					ev.ErrorDetail = "capture " + strings.ToLower(c.Status)
				}
			}
		}
	}
	if raw, err := json.Marshal(order); err == nil {
		ev.Raw = raw
	}
	return ev, nil
}

// Refund возвращает amount по захвату, найденному в заказе кошелька.
func (p *WalletProvider) Refund(ctx context.Context, externalID string, amount decimal.Decimal, currency string) (string, error) {
	var order walletOrder
	if err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(externalID), nil, "", &order); err != nil {
		return "", fmt.Errorf("get wallet order: %w", err)
	}

	var captureID string
	for _, pu := range order.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			captureID = pu.Payments.Captures[0].ID
			break
		}
	}
	if captureID == "" {
		return "", fmt.Errorf("%w: wallet order %s has no capture", model.ErrInvalidState, externalID)
	}

	body := map[string]walletAmount{
		"amount": {CurrencyCode: strings.ToUpper(currency), Value: amount.StringFixed(2)},
	}

	var refund walletCapture
	path := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	if err := p.call(ctx, http.MethodPost, path, body, "", &refund); err != nil {
		return "", fmt.Errorf("refund wallet capture: %w", err)
	}
	return refund.ID, nil
}
