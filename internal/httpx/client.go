// Package httpx собирает HTTP-клиенты с повторами для обращения к внешним системам.
package httpx

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Options задаёт политику повторов клиента.
type Options struct {
	Timeout  time.Duration
	RetryMax int
	WaitMin  time.Duration
	WaitMax  time.Duration
}

// DefaultOptions задаёт политику по умолчанию для внешних API.
var DefaultOptions = Options{
	Timeout:  5 * time.Second,
	RetryMax: 2,
	WaitMin:  200 * time.Millisecond,
	WaitMax:  2 * time.Second,
}

// NewClient создаёт клиент с повторами на 5xx и 429 (с учётом Retry-After).
func NewClient(logger *zap.Logger, opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: opts.Timeout}
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.WaitMin
	c.RetryWaitMax = opts.WaitMax
	if logger != nil {
		c.Logger = leveledLogger{s: logger.Sugar()}
	} else {
		c.Logger = nil
	}
	// Последний ответ отдаётся вызывающему коду, чтобы тот сам разобрал статус.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
