// Package market предоставляет клиент для внешнего источника рыночных цен.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/httpx"
	"github.com/mmeshcher/exchanger/internal/model"
)

// SourceName сохраняется в снимках курса как имя источника.
const SourceName = "binance"

// Client инкапсулирует HTTP-взаимодействие с биржевым API цен.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// TickerPrice описывает ответ API по одному символу.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewClient создаёт клиент источника цен по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return newClient(baseURL, httpx.NewClient(logger, httpx.DefaultOptions))
}

func newClient(baseURL string, hc *retryablehttp.Client) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, httpClient: hc}
}

// Name возвращает имя источника.
func (c *Client) Name() string {
	return SourceName
}

// Symbol переводит пару валют в биржевой символ; USD котируется через USDT.
func Symbol(base, quote string) string {
	if quote == "USD" {
		quote = "USDT"
	}
	return strings.ToUpper(base + quote)
}

// FetchPrice возвращает текущую рыночную цену base в единицах quote.
func (c *Client) FetchPrice(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if base == "USDT" && quote == "USD" {
		return decimal.NewFromInt(1), nil
	}
	price, err := c.GetTickerPrice(ctx, Symbol(base, quote))
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// GetTickerPrice запрашивает последнюю цену символа.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return decimal.Zero, fmt.Errorf("%w: market client not configured", model.ErrUpstreamUnavailable)
	}

	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: do request: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: unexpected status %d for %s", model.ErrUpstreamUnavailable, resp.StatusCode, symbol)
	}

	var result TickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", result.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s", price, symbol)
	}

	return price, nil
}
