package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

// evmCurrencies перечисляет валюты, адреса которых проверяются как адреса EVM-сетей.
var evmCurrencies = map[string]bool{"ETH": true, "USDT": true, "USDC": true}

// CryptoProvider принимает прямой перевод на адрес сервиса.
// Входящих вебхуков нет, поступления отслеживаются отдельно.
type CryptoProvider struct {
	addresses map[string]string
}

// NewCryptoProvider создаёт провайдера прямых криптопереводов.
// EVM-адреса приводятся к виду с контрольной суммой.
func NewCryptoProvider(addresses map[string]string) (*CryptoProvider, error) {
	normalized := make(map[string]string, len(addresses))
	for cur, addr := range addresses {
		cur = strings.ToUpper(strings.TrimSpace(cur))
		addr = strings.TrimSpace(addr)
		if evmCurrencies[cur] {
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("invalid %s address %q", cur, addr)
			}
			addr = common.HexToAddress(addr).Hex()
		}
		normalized[cur] = addr
	}
	return &CryptoProvider{addresses: normalized}, nil
}

// Gateway возвращает идентификатор провайдера.
func (p *CryptoProvider) Gateway() model.Gateway {
	return model.GatewayCrypto
}

// CreateIntent возвращает реквизиты перевода; код платежа служит memo.
func (p *CryptoProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	cur := strings.ToUpper(req.Currency)
	addr, ok := p.addresses[cur]
	if !ok {
		return nil, fmt.Errorf("%w: no deposit address for %s", model.ErrValidation, cur)
	}

	return &Intent{
		ExternalID: "crypto:" + req.PaymentID.String(),
		Checkout: map[string]string{
			"address":  addr,
			"amount":   req.Amount.String(),
			"currency": cur,
			"memo":     req.PaymentCode,
		},
	}, nil
}

// ParseWebhook не поддерживается: у прямых переводов нет входящих вебхуков.
func (p *CryptoProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return nil, fmt.Errorf("%w: crypto payments have no webhooks", model.ErrUnsupportedGateway)
}

// Refund регистрирует ручную выплату; перевод выполняет оператор.
func (p *CryptoProvider) Refund(ctx context.Context, externalID string, amount decimal.Decimal, currency string) (string, error) {
	return "manual-" + strings.TrimPrefix(externalID, "crypto:"), nil
}
