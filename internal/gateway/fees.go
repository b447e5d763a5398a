package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

// FeeRule описывает комиссию провайдера: процент от суммы плюс фиксированная часть.
type FeeRule struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// feeScale задаёт количество знаков после запятой у комиссии.
const feeScale = 8

// fiatScale задаёт точность сумм у провайдеров, списывающих в центах.
const fiatScale = 2

var feeTable = map[model.Gateway]FeeRule{
	model.GatewayStripe: {Percent: decimal.RequireFromString("2.9"), Fixed: decimal.RequireFromString("0.30")},
	model.GatewayWallet: {Percent: decimal.RequireFromString("3.49"), Fixed: decimal.RequireFromString("0.49")},
	model.GatewayCrypto: {Percent: decimal.RequireFromString("1"), Fixed: decimal.Zero},
}

// Fee вычисляет комиссию и сумму к зачислению для провайдера.
func Fee(gw model.Gateway, amount decimal.Decimal) (fee, net decimal.Decimal, err error) {
	rule, ok := feeTable[gw]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnsupportedGateway, gw)
	}

	fee = amount.Mul(rule.Percent).Div(decimal.NewFromInt(100)).Add(rule.Fixed).Round(feeScale)
	net = amount.Sub(fee)
	if !net.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount %s does not cover %s fee %s",
			model.ErrValidation, amount, gw, fee)
	}
	return fee, net, nil
}

// CheckScale отклоняет сумму, которую провайдер не может списать без округления.
func CheckScale(gw model.Gateway, amount decimal.Decimal) error {
	if gw == model.GatewayCrypto {
		return nil
	}
	if !amount.Equal(amount.Truncate(fiatScale)) {
		return fmt.Errorf("%w: %s amounts allow at most %d decimal places, got %s",
			model.ErrValidation, gw, fiatScale, amount)
	}
	return nil
}
