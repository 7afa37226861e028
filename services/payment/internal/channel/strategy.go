// Package channel содержит стратегии платёжных каналов и их реестр.
//
// Стратегия инкапсулирует протокол одного канала: запуск платежа,
// разбор и проверку уведомлений, запрос статуса, возврат и выгрузку
// выписки для сверки. Оркестратор работает только через интерфейс.
package channel

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"example.com/payment-system/services/payment/internal/domain"
)

// Названия каналов.
const (
	ChannelBalance    = "balance"
	ChannelCampusCard = "campus_card"
	ChannelStripe     = "stripe"
	ChannelCardGate   = "cardgate"
)

// StatusCode — нормализованный статус платежа на стороне канала.
// Словарь каждого канала отображается в этот закрытый набор.
type StatusCode string

const (
	StatusPaid      StatusCode = "PAID"
	StatusWaiting   StatusCode = "WAITING"
	StatusClosed    StatusCode = "CLOSED"
	StatusCancelled StatusCode = "CANCELLED"
	StatusRefunded  StatusCode = "REFUNDED"
	StatusFailed    StatusCode = "FAILED"
	StatusUnknown   StatusCode = "UNKNOWN"
)

// LaunchParams — параметры запуска платежа, отдаваемые клиенту.
// Набор полей зависит от канала: redirect URL, client secret, флаг
// подтверждения паролем.
type LaunchParams map[string]any

// Общие ключи LaunchParams. Синхронные каналы (баланс, кампусная карта)
// завершают оплату прямо в Init и сообщают результат этими полями.
const (
	ParamPaid          = "paid"
	ParamTransactionID = "transaction_id"
	ParamRedirectURL   = "redirect_url"
	ParamClientSecret  = "client_secret"
)

// SyncResult извлекает результат синхронной оплаты из параметров запуска.
func (p LaunchParams) SyncResult() (transactionID string, paid bool) {
	paid, _ = p[ParamPaid].(bool)
	transactionID, _ = p[ParamTransactionID].(string)
	return transactionID, paid
}

// Notification — разобранное уведомление канала об оплате.
// RawBody и Headers сохраняются для проверки подписи стратегией.
type Notification struct {
	OrderNo       string            // Номер заказа из уведомления
	TransactionID string            // Номер транзакции канала
	Amount        decimal.Decimal   // Сумма из уведомления
	Status        StatusCode        // Нормализованный статус
	PaidAt        time.Time         // Время оплаты по данным канала
	RawBody       []byte            // Исходное тело уведомления
	Headers       map[string]string // Заголовки, нужные для проверки подписи
	Params        map[string]string // Поля form-encoded уведомлений
}

// SettlementRecord — одна строка выписки канала за день.
type SettlementRecord struct {
	TransactionID string          // Номер транзакции канала
	OrderNo       string          // Номер заказа, если канал его возвращает
	Amount        decimal.Decimal // Сумма по данным канала
	Status        StatusCode      // Статус по данным канала
	PaidAt        time.Time       // Время операции
}

// Strategy — протокол одного платёжного канала.
type Strategy interface {
	// Channel возвращает идентификатор канала.
	Channel() string

	// DisplayName возвращает отображаемое название канала.
	DisplayName() string

	// Init запускает платёж на стороне канала и возвращает параметры
	// для клиента.
	Init(ctx context.Context, payment *domain.Payment) (LaunchParams, error)

	// ProcessCallback проверяет подлинность уведомления.
	// false означает, что уведомление поддельное или не прошло проверку.
	ProcessCallback(ctx context.Context, n Notification) bool

	// QueryStatus запрашивает статус платежа у канала.
	QueryStatus(ctx context.Context, payment *domain.Payment) (StatusCode, error)

	// Refund выполняет возврат. false без ошибки означает, что канал
	// отклонил возврат.
	Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error)

	// DownloadSettlement выгружает выписку канала за дату (yyyy-mm-dd).
	// Внутренние каналы возвращают nil.
	DownloadSettlement(ctx context.Context, date string) ([]SettlementRecord, error)

	// ValidateParams проверяет канало-специфичные параметры запроса.
	ValidateParams(params map[string]any) bool
}
