// Package audit пишет журнал аудита в фоне, не задерживая бизнес-операции.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/model"
)

// Store сохраняет записи журнала аудита.
type Store interface {
	InsertAuditLog(ctx context.Context, e model.AuditEntry) error
}

const (
	defaultBuffer = 256
	writeTimeout  = 3 * time.Second
)

// Sink принимает записи аудита без ожидания и пишет их в Store отдельной горутиной.
// При переполнении буфера запись отбрасывается с предупреждением.
type Sink struct {
	store   Store
	entries chan model.AuditEntry
	logger  *zap.Logger
}

// NewSink создаёт журнал с буфером на size записей.
func NewSink(store Store, size int, logger *zap.Logger) *Sink {
	if size <= 0 {
		size = defaultBuffer
	}
	return &Sink{
		store:   store,
		entries: make(chan model.AuditEntry, size),
		logger:  logger,
	}
}

// Record ставит запись в очередь.
func (s *Sink) Record(e model.AuditEntry) {
	select {
	case s.entries <- e:
	default:
		s.logger.Warn("audit buffer full, entry dropped",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
		)
	}
}

// Run пишет записи до отмены контекста, после чего дописывает оставшиеся в буфере.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case e := <-s.entries:
			s.write(ctx, e)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for {
		select {
		case e := <-s.entries:
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, e model.AuditEntry) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := s.store.InsertAuditLog(wctx, e); err != nil {
		s.logger.Warn("failed to write audit entry",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
			zap.Error(err),
		)
	}
}
