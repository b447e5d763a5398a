package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/exchanger/internal/model"
)

// TelegramConfig содержит параметры бота для операционного чата.
type TelegramConfig struct {
	APIURL   string
	BotToken string
	ChatID   string
}

// TelegramChannel отправляет сообщения о заявках в чат операторов.
type TelegramChannel struct {
	cfg    TelegramConfig
	client *retryablehttp.Client
}

// NewTelegramChannel создаёт канал чат-бота поверх клиента с повторами.
func NewTelegramChannel(cfg TelegramConfig, client *retryablehttp.Client) *TelegramChannel {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &TelegramChannel{cfg: cfg, client: client}
}

// Name возвращает имя канала.
func (c *TelegramChannel) Name() string { return "telegram" }

// Recipient возвращает настроенный чат; события о любых заявках идут в один чат.
func (c *TelegramChannel) Recipient(model.Event) string {
	return c.cfg.ChatID
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send вызывает sendMessage Bot API.
func (c *TelegramChannel) Send(ctx context.Context, job model.NotificationJob) error {
	subject, body, err := render(job.Payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(telegramMessage{ChatID: job.Recipient, Text: subject + "\n" + body})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.cfg.APIURL, c.cfg.BotToken)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call telegram: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}

	var tr telegramResponse
	_ = json.Unmarshal(data, &tr)
	if resp.StatusCode != http.StatusOK || !tr.OK {
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}
