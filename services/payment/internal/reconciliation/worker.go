package reconciliation

import (
	"context"
	"time"

	"example.com/payment-system/pkg/logger"
)

// Worker запускает ежедневную сверку за прошедший день.
// Сверяются только внешние каналы: у внутренних нет выписки.
type Worker struct {
	svc      Service
	channels []string
	runHour  int // час запуска, 0-23, локальное время
}

// NewWorker создаёт воркер ежедневной сверки.
func NewWorker(svc Service, channels []string, runHour int) *Worker {
	return &Worker{
		svc:      svc,
		channels: channels,
		runHour:  runHour,
	}
}

// Run блокирует выполнение до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Int("run_hour", w.runHour).
		Strs("channels", w.channels).
		Msg("Запуск воркера сверки")

	for {
		timer := time.NewTimer(time.Until(w.nextRun(time.Now())))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Воркер сверки остановлен")
			return
		case <-timer.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce сверяет вчерашний день по всем каналам воркера.
func (w *Worker) runOnce(ctx context.Context) {
	log := logger.FromContext(ctx)
	yesterday := time.Now().AddDate(0, 0, -1)

	for _, ch := range w.channels {
		if _, err := w.svc.RunRange(ctx, yesterday, yesterday, ch); err != nil {
			log.Error().Err(err).
				Str("channel", ch).
				Str("date", yesterday.Format("2006-01-02")).
				Msg("Ежедневная сверка завершилась ошибкой")
		}
	}
}

// nextRun возвращает ближайший момент запуска после now.
func (w *Worker) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), w.runHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
