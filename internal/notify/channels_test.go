package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/exchanger/internal/httpx"
	"github.com/mmeshcher/exchanger/internal/model"
)

func TestTelegramChannel_Send(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken-1/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch := NewTelegramChannel(TelegramConfig{APIURL: srv.URL + "/", BotToken: "token-1", ChatID: "-100"},
		httpx.NewClient(nil, httpx.Options{Timeout: time.Second}))

	ev := testEvent()
	assert.Equal(t, "-100", ch.Recipient(ev))

	err := ch.Send(context.Background(), model.NotificationJob{Recipient: "-100", Payload: payloadFrom(ev)})
	require.NoError(t, err)
	assert.Equal(t, "-100", got.ChatID)
	assert.Contains(t, got.Text, "Order EX-ABCDEF-GHJKLM approved")
}

func TestTelegramChannel_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	ch := NewTelegramChannel(TelegramConfig{APIURL: srv.URL, BotToken: "t", ChatID: "1"},
		httpx.NewClient(nil, httpx.Options{Timeout: time.Second}))

	err := ch.Send(context.Background(), model.NotificationJob{Recipient: "1", Payload: payloadFrom(testEvent())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

type stubWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaChannel_Send(t *testing.T) {
	w := &stubWriter{}
	ch := NewKafkaChannel("exchanger.events", w)

	ev := testEvent()
	assert.Equal(t, "exchanger.events", ch.Recipient(ev))

	job := model.NotificationJob{ID: uuid.New(), Event: ev.Kind, Payload: payloadFrom(ev)}
	require.NoError(t, ch.Send(context.Background(), job))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, ev.Order.ID.String(), string(msg.Key))

	var payload model.NotificationPayload
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "EX-ABCDEF-GHJKLM", payload.OrderCode)
	assert.Equal(t, model.EventOrderApproved, payload.Event)

	require.NoError(t, ch.Close())
	assert.True(t, w.closed)

	w.err = errors.New("leader not available")
	require.Error(t, ch.Send(context.Background(), job))
}
