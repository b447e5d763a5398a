// Package service реализует бизнес-логику обмена валют и приёма платежей.
package service

import (
	"context"
	"strings"

	"github.com/mmeshcher/exchanger/internal/model"
	"github.com/mmeshcher/exchanger/internal/ordercode"
)

// SystemActor обозначает автора переходов, выполненных самим сервисом.
const SystemActor = "system"

// codeAttempts ограничивает число попыток подобрать свободный код.
const codeAttempts = 5

// amountScale задаёт точность хранения сумм.
const amountScale = 8

// RateSource отдаёт актуальный курс пары.
type RateSource interface {
	GetRate(ctx context.Context, from, to string) (*model.RateSnapshot, error)
}

// CodeGenerator выпускает и проверяет коды с контрольной суммой.
type CodeGenerator interface {
	Generate() (ordercode.Code, error)
	Validate(code, checksum string) bool
	WellFormed(code string) bool
}

// Notifier строит задания на уведомления о доменном событии.
type Notifier interface {
	Jobs(ev model.Event) []model.NotificationJob
}

// AuditRecorder принимает записи журнала аудита без ожидания записи.
type AuditRecorder interface {
	Record(e model.AuditEntry)
}

type noopNotifier struct{}

func (noopNotifier) Jobs(model.Event) []model.NotificationJob { return nil }

type noopAuditor struct{}

func (noopAuditor) Record(model.AuditEntry) {}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	default:
		return existing + "\n" + note
	}
}
