// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/exchanger/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct проверяет структуру по тегам validate и возвращает ошибку, обёрнутую в model.ErrValidation.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(msgs, "; "))
}

// PositiveAmount проверяет, что сумма строго больше нуля.
func PositiveAmount(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", model.ErrValidation, field)
	}
	return nil
}

// NormalizeCurrency приводит код валюты к верхнему регистру без пробелов.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
