// Package service содержит оркестрацию платежей: создание, запуск,
// обработку уведомлений каналов, запрос статуса и возвраты.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/kafka"
	"example.com/payment-system/pkg/lock"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/pkg/metrics"
	"example.com/payment-system/pkg/outbox"
	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/repository"
	"example.com/payment-system/services/payment/internal/risk"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// createLockPrefix — ключ блокировки создания платежа по заказу.
	createLockPrefix = "payment:create:"

	// callbackLockPrefix — ключ окна идемпотентности обработки уведомления.
	callbackLockPrefix = "payment:callback:"

	// callbackLockTTL — окно идемпотентности уведомления.
	callbackLockTTL = 5 * time.Second

	// statusCachePrefix — кэш статуса платежа по заказу.
	statusCachePrefix = "payment:status:"

	// statusCacheTTL — время жизни кэша статуса.
	statusCacheTTL = 30 * time.Second
)

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// CreatePaymentRequest — запрос на создание платежа.
type CreatePaymentRequest struct {
	OrderNo  string          // Номер заказа
	UserID   string          // Пользователь (передаётся сервисом заказов)
	Amount   decimal.Decimal // Сумма
	Channel  string          // Платёжный канал
	ClientIP string          // IP клиента для риск-контроля
}

// InitiatePaymentRequest — запрос на запуск платежа.
type InitiatePaymentRequest struct {
	PaymentID  string         // ID платежа
	DeviceInfo string         // Информация об устройстве для риск-контроля
	Params     map[string]any // Канало-специфичные параметры
}

// PaymentService — интерфейс оркестратора платежей.
type PaymentService interface {
	// CreatePayment создаёт платёж в статусе PENDING.
	// Идемпотентная операция: повторный вызов с тем же order_no возвращает
	// существующий платёж. Канал на этом шаге не вызывается.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.Payment, error)

	// InitiatePayment запускает платёж: риск-контроль и Init канала.
	// Синхронные каналы завершают оплату прямо здесь.
	InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (channel.LaunchParams, error)

	// ProcessCallback обрабатывает уведомление канала об оплате.
	// Идемпотентен: повторное уведомление в окне блокировки — no-op.
	ProcessCallback(ctx context.Context, channelID string, n channel.Notification) error

	// QueryStatus возвращает статус платежа, опрашивая канал.
	// При недоступности канала деградирует до локального статуса.
	QueryStatus(ctx context.Context, orderNo string) (*domain.Payment, error)

	// Refund выполняет возврат оплаченного платежа.
	Refund(ctx context.Context, orderNo string, amount decimal.Decimal) (*domain.Payment, error)

	// GetByOrderNo возвращает платёж по номеру заказа.
	GetByOrderNo(ctx context.Context, orderNo string) (*domain.Payment, error)

	// ListPayments возвращает страницу платежей.
	ListPayments(ctx context.Context, filter repository.ListFilter) ([]*domain.Payment, int64, error)

	// Channels возвращает поддерживаемые каналы.
	Channels() map[string]string
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// paymentService — реализация PaymentService.
type paymentService struct {
	repo     repository.PaymentRepository
	registry *channel.Registry
	locker   *lock.Locker
	risk     *risk.Engine
	redis    *redis.Client
}

// NewPaymentService создаёт оркестратор платежей.
func NewPaymentService(
	repo repository.PaymentRepository,
	registry *channel.Registry,
	locker *lock.Locker,
	riskEngine *risk.Engine,
	redisClient *redis.Client,
) PaymentService {
	return &paymentService{
		repo:     repo,
		registry: registry,
		locker:   locker,
		risk:     riskEngine,
		redis:    redisClient,
	}
}

// CreatePayment создаёт платёж под распределённой блокировкой.
func (s *paymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.Payment, error) {
	log := logger.Ctx(ctx)

	if !s.registry.Supports(req.Channel) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, req.Channel)
	}

	// Быстрый путь без блокировки
	if existing, err := s.repo.GetByOrderNo(ctx, req.OrderNo); err == nil {
		log.Info().
			Str("order_no", req.OrderNo).
			Str("payment_no", existing.PaymentNo).
			Msg("Платёж уже существует (идемпотентность)")
		return existing, nil
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, createLockPrefix+req.OrderNo)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Warn().
				Str("order_no", req.OrderNo).
				Msg("Блокировка создания платежа не получена")
			return nil, domain.ErrBusy
		}
		return nil, fmt.Errorf("блокировка создания платежа: %w", err)
	}
	defer release()

	// Повторная проверка под блокировкой
	if existing, err := s.repo.GetByOrderNo(ctx, req.OrderNo); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}

	payment := domain.NewPayment(uuid.New().String(), req.OrderNo, req.UserID, req.Channel, req.ClientIP, req.Amount)
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, payment); err != nil {
		// Гонка с параллельным создателем, у которого блокировка истекла
		if errors.Is(err, domain.ErrConcurrentModification) {
			if existing, dbErr := s.repo.GetByOrderNo(ctx, req.OrderNo); dbErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("создание платежа: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(payment.Channel, string(payment.Status)).Inc()

	log.Info().
		Str("payment_no", payment.PaymentNo).
		Str("order_no", payment.OrderNo).
		Str("channel", payment.Channel).
		Str("amount", payment.Amount.String()).
		Msg("Платёж создан")

	return payment, nil
}

// InitiatePayment запускает платёж через стратегию канала.
func (s *paymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (channel.LaunchParams, error) {
	log := logger.Ctx(ctx)

	payment, err := s.repo.GetByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: платёж в статусе %s", domain.ErrInvalidTransition, payment.Status)
	}

	strategy, err := s.registry.Resolve(payment.Channel)
	if err != nil {
		return nil, err
	}

	if !strategy.ValidateParams(req.Params) {
		return nil, fmt.Errorf("%w: некорректные параметры канала %s", domain.ErrInvalidPayment, payment.Channel)
	}

	assessment, err := s.risk.Assess(ctx, payment.UserID, payment.OrderNo, payment.Amount,
		payment.Channel, payment.ClientIP, req.DeviceInfo)
	if err != nil {
		return nil, fmt.Errorf("риск-контроль: %w", err)
	}
	if assessment.Blocked() {
		s.risk.RecordAttempt(ctx, payment.UserID, payment.OrderNo, payment.Amount,
			payment.Channel, payment.ClientIP, false)
		return nil, fmt.Errorf("%w: %v", domain.ErrRiskBlocked, assessment.Reasons)
	}

	params, err := strategy.Init(ctx, payment)
	if err != nil {
		s.risk.RecordAttempt(ctx, payment.UserID, payment.OrderNo, payment.Amount,
			payment.Channel, payment.ClientIP, false)
		return nil, err
	}

	// Синхронные каналы завершают оплату прямо в Init
	if txn, paid := params.SyncResult(); paid {
		if err := s.confirmPaid(ctx, payment, txn, time.Now()); err != nil {
			// Списание прошло, а подтверждение нет: уведомление догонит
			// состояние через сверку, клиенту отдаём ошибку
			return nil, err
		}
	}

	s.risk.RecordAttempt(ctx, payment.UserID, payment.OrderNo, payment.Amount,
		payment.Channel, payment.ClientIP, true)

	log.Info().
		Str("payment_no", payment.PaymentNo).
		Str("channel", payment.Channel).
		Str("risk_level", string(assessment.Level)).
		Msg("Платёж запущен")

	return params, nil
}

// ProcessCallback обрабатывает уведомление канала.
func (s *paymentService) ProcessCallback(ctx context.Context, channelID string, n channel.Notification) error {
	log := logger.Ctx(ctx)

	strategy, err := s.registry.Resolve(channelID)
	if err != nil {
		return err
	}

	if n.OrderNo == "" {
		metrics.CallbacksTotal.WithLabelValues(channelID, "rejected").Inc()
		return domain.ErrMalformedNotification
	}

	lockKey := callbackLockPrefix + n.OrderNo
	acquired, err := s.locker.TryOnce(ctx, lockKey, callbackLockTTL)
	if err != nil {
		return fmt.Errorf("окно идемпотентности уведомления: %w", err)
	}
	if !acquired {
		// Уведомление уже обрабатывается параллельно: дубликат
		log.Info().
			Str("order_no", n.OrderNo).
			Str("channel", channelID).
			Msg("Повторное уведомление отброшено")
		metrics.CallbacksTotal.WithLabelValues(channelID, "duplicate").Inc()
		return nil
	}
	// Окно держится только на время обработки, повторы после завершения
	// отсекает проверка статуса платежа
	defer s.releaseCallbackLock(ctx, lockKey)

	if !strategy.ProcessCallback(ctx, n) {
		metrics.CallbacksTotal.WithLabelValues(channelID, "rejected").Inc()
		return domain.ErrVerificationFailed
	}

	payment, err := s.repo.GetByOrderNo(ctx, n.OrderNo)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			// Подпись верна, а платежа нет: рассинхронизация с каналом
			log.Error().
				Str("order_no", n.OrderNo).
				Str("channel", channelID).
				Msg("Уведомление о неизвестном платеже")
			metrics.CallbacksTotal.WithLabelValues(channelID, "rejected").Inc()
			return domain.ErrIntegrityAlert
		}
		return err
	}

	if payment.Status != domain.PaymentStatusPending {
		log.Info().
			Str("order_no", n.OrderNo).
			Str("status", string(payment.Status)).
			Msg("Платёж уже в конечном статусе, уведомление проигнорировано")
		metrics.CallbacksTotal.WithLabelValues(channelID, "duplicate").Inc()
		return nil
	}

	// Подпись подтверждает подлинность, а исход берётся из статуса
	// уведомления: канал сообщает и об отказах
	switch n.Status {
	case channel.StatusPaid:
		paidAt := n.PaidAt
		if paidAt.IsZero() {
			paidAt = time.Now()
		}
		if err := s.confirmPaid(ctx, payment, n.TransactionID, paidAt); err != nil {
			return err
		}
		log.Info().
			Str("payment_no", payment.PaymentNo).
			Str("order_no", payment.OrderNo).
			Str("transaction_id", n.TransactionID).
			Msg("Оплата подтверждена уведомлением канала")

	case channel.StatusFailed:
		if err := payment.Fail(); err != nil {
			return err
		}
		if err := s.updateStatus(ctx, payment, domain.EventPaymentFailed); err != nil {
			return err
		}
		log.Warn().
			Str("payment_no", payment.PaymentNo).
			Str("order_no", payment.OrderNo).
			Msg("Канал сообщил о неуспешной оплате")

	case channel.StatusClosed, channel.StatusCancelled:
		if err := payment.Close(); err != nil {
			return err
		}
		if err := s.updateStatus(ctx, payment, domain.EventPaymentClosed); err != nil {
			return err
		}
		log.Info().
			Str("payment_no", payment.PaymentNo).
			Str("order_no", payment.OrderNo).
			Msg("Платёж закрыт по уведомлению канала")

	default:
		// WAITING/UNKNOWN исход ничего не подтверждает, состояние не меняем
		log.Info().
			Str("order_no", n.OrderNo).
			Str("channel", channelID).
			Str("status", string(n.Status)).
			Msg("Уведомление без итогового статуса проигнорировано")
		metrics.CallbacksTotal.WithLabelValues(channelID, "ignored").Inc()
		return nil
	}

	metrics.CallbacksTotal.WithLabelValues(channelID, "processed").Inc()
	return nil
}

// QueryStatus возвращает статус, опрашивая канал с деградацией до локального.
func (s *paymentService) QueryStatus(ctx context.Context, orderNo string) (*domain.Payment, error) {
	log := logger.Ctx(ctx)

	payment, err := s.repo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	// Конечные статусы канал не изменит
	if payment.Status == domain.PaymentStatusPaid || payment.Status.IsTerminal() {
		return payment, nil
	}

	// Короткий кэш бережёт канал от шторма опросов
	if cached, err := s.redis.Get(ctx, statusCachePrefix+orderNo).Result(); err == nil {
		if domain.PaymentStatus(cached) == payment.Status {
			return payment, nil
		}
	}

	strategy, err := s.registry.Resolve(payment.Channel)
	if err != nil {
		return nil, err
	}

	code, err := strategy.QueryStatus(ctx, payment)
	if err != nil {
		// Деградация: канал недоступен, отдаём локальный статус
		log.Warn().
			Err(err).
			Str("order_no", orderNo).
			Str("channel", payment.Channel).
			Msg("Канал недоступен, статус отдан по локальным данным")
		return payment, nil
	}

	switch code {
	case channel.StatusPaid:
		if err := s.confirmPaid(ctx, payment, "", time.Now()); err != nil {
			return nil, err
		}
	case channel.StatusClosed, channel.StatusCancelled:
		if err := payment.Close(); err == nil {
			if err := s.updateStatus(ctx, payment, domain.EventPaymentClosed); err != nil {
				return nil, err
			}
		}
	case channel.StatusFailed:
		if err := payment.Fail(); err == nil {
			if err := s.updateStatus(ctx, payment, domain.EventPaymentFailed); err != nil {
				return nil, err
			}
		}
	}

	if err := s.redis.Set(ctx, statusCachePrefix+orderNo, string(payment.Status), statusCacheTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("Не удалось записать кэш статуса")
	}

	return payment, nil
}

// Refund выполняет возврат оплаченного платежа.
func (s *paymentService) Refund(ctx context.Context, orderNo string, amount decimal.Decimal) (*domain.Payment, error) {
	log := logger.Ctx(ctx)

	payment, err := s.repo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	if payment.Status != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: статус %s", domain.ErrNotPaid, payment.Status)
	}

	if !amount.IsPositive() || amount.GreaterThan(payment.Amount) {
		return nil, fmt.Errorf("%w: возврат %s при платеже %s", domain.ErrInvalidAmount, amount, payment.Amount)
	}

	strategy, err := s.registry.Resolve(payment.Channel)
	if err != nil {
		return nil, err
	}

	refundNo := domain.GenerateRefundNo()

	// Вызов канала вне блокировок: возврат может быть долгим
	ok, err := strategy.Refund(ctx, payment, amount, refundNo)
	if err != nil {
		return nil, fmt.Errorf("возврат через канал %s: %w", payment.Channel, err)
	}
	if !ok {
		log.Warn().
			Str("order_no", orderNo).
			Str("refund_no", refundNo).
			Msg("Канал отклонил возврат, платёж остаётся оплаченным")
		return nil, fmt.Errorf("канал %s отклонил возврат %s", payment.Channel, refundNo)
	}

	if err := payment.MarkRefunded(refundNo, amount, time.Now()); err != nil {
		return nil, err
	}

	if err := s.updateStatus(ctx, payment, domain.EventPaymentRefunded); err != nil {
		return nil, err
	}

	log.Info().
		Str("order_no", orderNo).
		Str("refund_no", refundNo).
		Str("amount", amount.String()).
		Msg("Возврат выполнен")

	return payment, nil
}

// GetByOrderNo возвращает платёж по номеру заказа.
func (s *paymentService) GetByOrderNo(ctx context.Context, orderNo string) (*domain.Payment, error) {
	return s.repo.GetByOrderNo(ctx, orderNo)
}

// ListPayments возвращает страницу платежей.
func (s *paymentService) ListPayments(ctx context.Context, filter repository.ListFilter) ([]*domain.Payment, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Size < 1 || filter.Size > 100 {
		filter.Size = 20
	}
	return s.repo.List(ctx, filter)
}

// Channels возвращает поддерживаемые каналы.
func (s *paymentService) Channels() map[string]string {
	return s.registry.Supported()
}

// =============================================================================
// Вспомогательные методы
// =============================================================================

// confirmPaid подтверждает оплату оптимистичным обновлением и пишет
// событие в outbox той же транзакцией.
func (s *paymentService) confirmPaid(ctx context.Context, payment *domain.Payment, transactionID string, paidAt time.Time) error {
	if err := payment.MarkPaid(transactionID, paidAt); err != nil {
		return err
	}
	payment.Version++

	event, err := s.buildEvent(ctx, payment, domain.EventPaymentPaid)
	if err != nil {
		return err
	}

	if err := s.repo.MarkPaidWithEvent(ctx, payment, event); err != nil {
		return err
	}

	metrics.PaymentsTotal.WithLabelValues(payment.Channel, string(payment.Status)).Inc()
	s.invalidateStatusCache(ctx, payment.OrderNo)
	return nil
}

// updateStatus сохраняет новый статус с событием и сбрасывает кэш.
func (s *paymentService) updateStatus(ctx context.Context, payment *domain.Payment, eventType string) error {
	event, err := s.buildEvent(ctx, payment, eventType)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateStatusWithEvent(ctx, payment, event); err != nil {
		return err
	}

	metrics.PaymentsTotal.WithLabelValues(payment.Channel, string(payment.Status)).Inc()
	s.invalidateStatusCache(ctx, payment.OrderNo)
	return nil
}

// buildEvent собирает outbox запись платёжного события.
// Ключ сообщения — order_no: события одного заказа идут по порядку.
// Доставка at-least-once, потребители обязаны быть идемпотентными.
func (s *paymentService) buildEvent(ctx context.Context, payment *domain.Payment, eventType string) (*outbox.Outbox, error) {
	payload, err := json.Marshal(domain.NewPaymentEvent(payment))
	if err != nil {
		return nil, fmt.Errorf("сериализация события %s: %w", eventType, err)
	}

	return &outbox.Outbox{
		ID:            uuid.New().String(),
		AggregateType: "payment",
		AggregateID:   payment.PaymentNo,
		EventType:     eventType,
		Topic:         kafka.TopicPaymentEvents,
		MessageKey:    payment.OrderNo,
		Payload:       payload,
		Headers: map[string]string{
			"trace_id":       logger.TraceIDFromContext(ctx),
			"correlation_id": logger.CorrelationIDFromContext(ctx),
		},
	}, nil
}

// invalidateStatusCache сбрасывает кэш статуса после изменения состояния.
func (s *paymentService) invalidateStatusCache(ctx context.Context, orderNo string) {
	if err := s.redis.Del(ctx, statusCachePrefix+orderNo).Err(); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("order_no", orderNo).
			Msg("Не удалось сбросить кэш статуса")
	}
}

// releaseCallbackLock снимает окно идемпотентности после обработки,
// чтобы канал мог повторить уведомление сразу.
func (s *paymentService) releaseCallbackLock(ctx context.Context, key string) {
	if err := s.locker.Release(ctx, key); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("Не удалось снять блокировку уведомления")
	}
}
