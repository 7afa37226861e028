package domain

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus — статус батча сверки.
type BatchStatus string

const (
	// BatchStatusNotStarted — батч создан, сверка не запускалась.
	BatchStatusNotStarted BatchStatus = "NOT_STARTED"

	// BatchStatusRunning — сверка выполняется.
	BatchStatusRunning BatchStatus = "RUNNING"

	// BatchStatusCompleted — сверка завершена, записи сохранены.
	BatchStatusCompleted BatchStatus = "COMPLETED"

	// BatchStatusFailed — сверка завершилась ошибкой, записи не сохранены.
	BatchStatusFailed BatchStatus = "FAILED"
)

// ReconOutcome — результат сопоставления одной записи сверки.
type ReconOutcome string

const (
	// ReconMatched — транзакция найдена с обеих сторон, суммы совпали.
	ReconMatched ReconOutcome = "MATCHED"

	// ReconAmountMismatch — транзакция найдена с обеих сторон, суммы расходятся.
	ReconAmountMismatch ReconOutcome = "AMOUNT_MISMATCH"

	// ReconSystemOnly — платёж есть у нас, но отсутствует в выписке канала.
	ReconSystemOnly ReconOutcome = "SYSTEM_ONLY"

	// ReconChannelOnly — транзакция есть в выписке канала, но не у нас.
	ReconChannelOnly ReconOutcome = "CHANNEL_ONLY"
)

// Text возвращает человекочитаемое название результата для отчётов.
func (o ReconOutcome) Text() string {
	switch o {
	case ReconMatched:
		return "Совпадение"
	case ReconAmountMismatch:
		return "Расхождение суммы"
	case ReconSystemOnly:
		return "Только в системе"
	case ReconChannelOnly:
		return "Только у канала"
	default:
		return string(o)
	}
}

// ResolveStatus — статус разбора расхождения.
type ResolveStatus string

const (
	// ResolveUnresolved — расхождение не разобрано.
	ResolveUnresolved ResolveStatus = "UNRESOLVED"

	// ResolveResolved — расхождение разобрано оператором.
	ResolveResolved ResolveStatus = "RESOLVED"
)

// =============================================================================
// ReconciliationBatch — батч сверки за дату по каналу
// =============================================================================

// ReconciliationBatch — один запуск сверки: дата x канал.
// Пара (Date, Channel) уникальна: повторное создание возвращает существующий батч.
type ReconciliationBatch struct {
	ID           string          // UUID батча
	BatchNo      string          // Номер батча (RCB...)
	Date         string          // Дата сверяемых операций (yyyy-mm-dd)
	Channel      string          // Платёжный канал
	Status       BatchStatus     // Статус батча
	SystemCount  int             // Платежей с нашей стороны
	SystemTotal  decimal.Decimal // Сумма с нашей стороны
	ChannelCount int             // Транзакций в выписке канала
	ChannelTotal decimal.Decimal // Сумма по выписке канала
	MatchedCount int             // Совпавших записей
	DiffCount    int             // Записей с расхождениями
	StartedAt    *time.Time      // Начало выполнения
	EndedAt      *time.Time      // Окончание выполнения
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewReconciliationBatch создаёт батч в статусе NOT_STARTED.
func NewReconciliationBatch(id, date, channel string) *ReconciliationBatch {
	return &ReconciliationBatch{
		ID:           id,
		BatchNo:      GenerateBatchNo(date, channel),
		Date:         date,
		Channel:      channel,
		Status:       BatchStatusNotStarted,
		SystemTotal:  decimal.Zero,
		ChannelTotal: decimal.Zero,
	}
}

// CanRun возвращает true, если батч можно запустить.
// Разрешаем перезапуск после FAILED: записи при ошибке не сохраняются.
func (b *ReconciliationBatch) CanRun() bool {
	return b.Status == BatchStatusNotStarted || b.Status == BatchStatusFailed
}

// GenerateBatchNo генерирует номер батча: RCB + yyyymmdd + канал + 6 цифр.
func GenerateBatchNo(date, channel string) string {
	compact := ""
	for _, r := range date {
		if r != '-' {
			compact += string(r)
		}
	}
	return fmt.Sprintf("RCB%s%s%06d", compact, channel, rand.IntN(1000000))
}

// =============================================================================
// ReconciliationRecord — одна строка результата сверки
// =============================================================================

// ReconciliationRecord — результат сопоставления одной транзакции.
// DiffAmount = SystemAmount - ChannelAmount: положительный — у нас больше,
// отрицательный — у канала больше.
type ReconciliationRecord struct {
	ID            string          // UUID записи
	BatchNo       string          // Номер батча
	PaymentNo     string          // Номер платежа (пустой для CHANNEL_ONLY)
	TransactionID string          // Номер транзакции канала
	OrderNo       string          // Номер заказа (пустой для CHANNEL_ONLY)
	SystemAmount  decimal.Decimal // Сумма с нашей стороны
	ChannelAmount decimal.Decimal // Сумма по выписке канала
	DiffAmount    decimal.Decimal // Разница сумм
	Outcome       ReconOutcome    // Результат сопоставления
	Reason        string          // Пояснение расхождения
	ResolveStatus ResolveStatus   // Статус разбора
	Solution      *string         // Решение оператора
	Resolver      *string         // Кто разобрал
	ResolvedAt    *time.Time      // Когда разобрано
	CreatedAt     time.Time
}

// Resolve помечает расхождение разобранным.
func (r *ReconciliationRecord) Resolve(solution, resolver string, at time.Time) {
	r.ResolveStatus = ResolveResolved
	r.Solution = &solution
	r.Resolver = &resolver
	r.ResolvedAt = &at
}
