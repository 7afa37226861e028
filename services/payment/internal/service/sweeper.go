package service

import (
	"context"
	"time"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/repository"
)

// sweepInterval — интервал между проходами по зависшим платежам.
const sweepInterval = 5 * time.Minute

// stuckAge — возраст PENDING платежа, после которого он считается зависшим.
// Должен быть заметно больше окна обработки коллбэка, иначе сверка статуса
// начнёт гоняться с нормальным путём уведомлений.
const stuckAge = 15 * time.Minute

// sweepLimit — максимум платежей за один проход.
const sweepLimit = 100

// StuckSweeper опрашивает каналы по платежам, для которых уведомление
// не дошло: PENDING платёж старше stuckAge активно сверяется через
// QueryStatus, и зависший платёж приходит в то же состояние, что и при
// доставленном коллбэке.
type StuckSweeper struct {
	svc      PaymentService
	repo     repository.PaymentRepository
	interval time.Duration
	age      time.Duration
	limit    int
}

// NewStuckSweeper создаёт воркер досверки зависших платежей.
func NewStuckSweeper(svc PaymentService, repo repository.PaymentRepository) *StuckSweeper {
	return &StuckSweeper{
		svc:      svc,
		repo:     repo,
		interval: sweepInterval,
		age:      stuckAge,
		limit:    sweepLimit,
	}
}

// Run запускает воркер. Блокирует выполнение до отмены контекста.
func (w *StuckSweeper) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("interval", w.interval).
		Dur("age", w.age).
		Msg("Запуск воркера досверки зависших платежей")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка воркера досверки")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep сверяет статус одной пачки зависших платежей.
func (w *StuckSweeper) sweep(ctx context.Context) {
	log := logger.FromContext(ctx)

	stuck, err := w.repo.GetStuckPending(ctx, w.age, w.limit)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка выборки зависших платежей")
		return
	}

	if len(stuck) == 0 {
		return
	}

	log.Info().Int("count", len(stuck)).Msg("Досверка зависших платежей")

	for _, p := range stuck {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := w.svc.QueryStatus(ctx, p.OrderNo); err != nil {
			log.Warn().Err(err).
				Str("payment_no", p.PaymentNo).
				Str("order_no", p.OrderNo).
				Msg("Не удалось досверить зависший платёж")
		}
	}
}
