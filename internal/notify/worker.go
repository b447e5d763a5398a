package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/exchanger/internal/metrics"
	"github.com/mmeshcher/exchanger/internal/model"
)

// WorkerOptions задаёт параметры обработки очереди.
type WorkerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	// Через Lease задание, взятое упавшим воркером, снова становится доступным.
	Lease       time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultWorkerOptions содержит параметры по умолчанию.
var DefaultWorkerOptions = WorkerOptions{
	BatchSize:    20,
	PollInterval: 2 * time.Second,
	Lease:        time.Minute,
	BackoffBase:  5 * time.Second,
	BackoffMax:   10 * time.Minute,
}

// Worker доставляет задания из очереди через зарегистрированные каналы.
type Worker struct {
	store    Store
	channels map[string]Channel
	opts     WorkerOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorker создаёт обработчик очереди.
func NewWorker(store Store, opts WorkerOptions, logger *zap.Logger, channels ...Channel) *Worker {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Worker{
		store:    store,
		channels: byName,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run обрабатывает очередь до отмены контекста.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := w.ProcessBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Warn("notification batch failed", zap.Error(err))
				break
			}
			// Пачка заполнена, в очереди могут быть ещё задания.
			if n < w.opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch забирает одну пачку заданий и возвращает их число.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	now := w.now().UTC()
	jobs, err := w.store.ClaimNotifications(ctx, now, now.Add(w.opts.Lease), w.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		w.deliver(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) deliver(ctx context.Context, job model.NotificationJob) {
	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("channel", job.Channel),
		zap.String("event", string(job.Event)),
		zap.String("code", job.Payload.OrderCode),
		zap.Int("attempt", job.Attempts),
	)

	ch, ok := w.channels[job.Channel]
	if !ok {
		w.fail(ctx, log, job, fmt.Errorf("unknown channel %s", job.Channel))
		return
	}

	sendErr := ch.Send(ctx, job)
	if sendErr == nil {
		metrics.Notifications.WithLabelValues(job.Channel, "sent").Inc()
		if err := w.store.CompleteNotification(ctx, job.ID); err != nil {
			log.Warn("failed to mark notification sent", zap.Error(err))
		}
		return
	}

	if errors.Is(sendErr, context.Canceled) && ctx.Err() != nil {
		// Аренда истечёт, и задание заберут снова.
		return
	}

	if job.Attempts >= job.MaxAttempts {
		w.fail(ctx, log, job, sendErr)
		return
	}

	next := w.now().UTC().Add(w.backoff(job.Attempts))
	metrics.Notifications.WithLabelValues(job.Channel, "retry").Inc()
	log.Warn("notification delivery failed, will retry", zap.Time("next_attempt_at", next), zap.Error(sendErr))
	if err := w.store.RetryNotification(ctx, job.ID, next, sendErr.Error()); err != nil {
		log.Warn("failed to reschedule notification", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, job model.NotificationJob, cause error) {
	metrics.Notifications.WithLabelValues(job.Channel, "failed").Inc()
	log.Error("notification delivery abandoned", zap.Int("max_attempts", job.MaxAttempts), zap.Error(cause))
	if err := w.store.FailNotification(ctx, job.ID, cause.Error()); err != nil {
		log.Warn("failed to mark notification failed", zap.Error(err))
	}
}

// backoff возвращает задержку перед попыткой attempt+1: base, 2*base, 4*base... не больше BackoffMax.
func (w *Worker) backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(w.opts.BackoffMax, retry.NewExponential(w.opts.BackoffBase))

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
