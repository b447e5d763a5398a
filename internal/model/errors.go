package model

import "errors"

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState возвращается, если действие недопустимо в текущем статусе.
	ErrInvalidState = errors.New("invalid state")
	// ErrExpired возвращается при попытке одобрить просроченную заявку.
	ErrExpired = errors.New("order expired")
	// ErrExhaustedRetries возвращается, если не удалось подобрать уникальный код.
	ErrExhaustedRetries = errors.New("exhausted retries")
	// ErrUnsupportedGateway возвращается для неизвестного платёжного провайдера.
	ErrUnsupportedGateway = errors.New("unsupported gateway")
	// ErrInvalidSignature возвращается, если подпись вебхука не прошла проверку.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUpstreamUnavailable возвращается, если источник курсов или провайдер недоступен.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
