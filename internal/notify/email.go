package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/mmeshcher/exchanger/internal/model"
)

// EmailConfig содержит параметры SMTP-сервера.
type EmailConfig struct {
	Address  string
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel отправляет письма клиенту на адрес из заявки.
type EmailChannel struct {
	cfg  EmailConfig
	auth smtp.Auth
	send sendMailFunc
}

// NewEmailChannel создаёт канал email. Авторизация включается, если задано имя пользователя.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	ch := &EmailChannel{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			host = cfg.Address
		}
		ch.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return ch
}

// Name возвращает имя канала.
func (c *EmailChannel) Name() string { return "email" }

// Recipient возвращает email клиента.
func (c *EmailChannel) Recipient(ev model.Event) string {
	return ev.Order.ClientEmail
}

// Send отправляет письмо. net/smtp не принимает контекст, поэтому отмена проверяется только до отправки.
func (c *EmailChannel) Send(ctx context.Context, job model.NotificationJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body, err := render(job.Payload)
	if err != nil {
		return err
	}

	msg := strings.Join([]string{
		"From: " + c.cfg.From,
		"To: " + job.Recipient,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	if err := c.send(c.cfg.Address, c.auth, c.cfg.From, []string{job.Recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
