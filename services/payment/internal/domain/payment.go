// Package domain содержит бизнес-сущности Payment Service.
package domain

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — статус платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, ожидает оплаты.
	PaymentStatusPending PaymentStatus = "PENDING"

	// PaymentStatusPaid — платёж успешно оплачен (подтверждение от канала).
	PaymentStatusPaid PaymentStatus = "PAID"

	// PaymentStatusRefunded — платёж возвращён.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"

	// PaymentStatusClosed — платёж закрыт без оплаты (отмена, истечение).
	PaymentStatusClosed PaymentStatus = "CLOSED"

	// PaymentStatusFailed — платёж не прошёл (отказ канала, недостаток средств).
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// IsTerminal возвращает true, если платёж в финальном состоянии.
// PAID не терминальный — из него возможен переход в REFUNDED.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusRefunded || s == PaymentStatusClosed || s == PaymentStatusFailed
}

// Text возвращает человекочитаемое название статуса для отчётов.
func (s PaymentStatus) Text() string {
	switch s {
	case PaymentStatusPending:
		return "Ожидает оплаты"
	case PaymentStatusPaid:
		return "Оплачен"
	case PaymentStatusRefunded:
		return "Возвращён"
	case PaymentStatusClosed:
		return "Закрыт"
	case PaymentStatusFailed:
		return "Ошибка оплаты"
	default:
		return string(s)
	}
}

// =============================================================================
// Допустимые переходы состояний (State Machine)
// =============================================================================

// allowedTransitions определяет валидные переходы состояний платежа.
var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusClosed, PaymentStatusFailed},
	PaymentStatusPaid:    {PaymentStatusRefunded},
	// REFUNDED, CLOSED и FAILED — терминальные состояния
}

// =============================================================================
// Payment — доменная сущность
// =============================================================================

// Payment — платёж в системе.
// Сумма хранится как decimal с двумя знаками: деньги не считаем в float.
// Version — счётчик оптимистичной блокировки, увеличивается при каждой
// записи, меняющей состояние.
type Payment struct {
	ID            string           // UUID платежа
	PaymentNo     string           // Номер платежа в нашей системе (PAY...)
	OrderNo       string           // Номер заказа (один платёж на заказ)
	UserID        string           // ID пользователя
	Channel       string           // Платёжный канал (balance, campus_card, stripe, cardgate)
	Amount        decimal.Decimal  // Сумма платежа
	Status        PaymentStatus    // Текущий статус
	TransactionID *string          // Номер транзакции на стороне канала (пишется один раз)
	RefundNo      *string          // Номер возврата (при REFUNDED)
	RefundAmount  *decimal.Decimal // Сумма возврата
	ClientIP      string           // IP клиента (для риск-контроля)
	Version       int              // Версия для оптимистичной блокировки
	PaidAt        *time.Time       // Время оплаты
	RefundedAt    *time.Time       // Время возврата
	CreatedAt     time.Time        // Дата создания
	UpdatedAt     time.Time        // Дата обновления
}

// NewPayment создаёт платёж в статусе PENDING с сгенерированным номером.
func NewPayment(id, orderNo, userID, channel, clientIP string, amount decimal.Decimal) *Payment {
	return &Payment{
		ID:        id,
		PaymentNo: GeneratePaymentNo(),
		OrderNo:   orderNo,
		UserID:    userID,
		Channel:   channel,
		Amount:    amount,
		Status:    PaymentStatusPending,
		ClientIP:  clientIP,
		Version:   0,
	}
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (p *Payment) CanTransitionTo(newStatus PaymentStatus) bool {
	allowed, ok := allowedTransitions[p.Status]
	if !ok {
		return false // Терминальное состояние
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход в новое состояние.
func (p *Payment) TransitionTo(newStatus PaymentStatus) error {
	if !p.CanTransitionTo(newStatus) {
		return ErrInvalidTransition
	}
	p.Status = newStatus
	p.UpdatedAt = time.Now()
	return nil
}

// MarkPaid подтверждает оплату платежа.
// TransactionID пишется только один раз: повторное подтверждение
// с другим номером транзакции — признак проблемы на стороне канала.
func (p *Payment) MarkPaid(transactionID string, paidAt time.Time) error {
	if err := p.TransitionTo(PaymentStatusPaid); err != nil {
		return err
	}
	if p.TransactionID == nil && transactionID != "" {
		p.TransactionID = &transactionID
	}
	p.PaidAt = &paidAt
	return nil
}

// MarkRefunded выполняет возврат платежа.
func (p *Payment) MarkRefunded(refundNo string, amount decimal.Decimal, refundedAt time.Time) error {
	if err := p.TransitionTo(PaymentStatusRefunded); err != nil {
		return err
	}
	p.RefundNo = &refundNo
	p.RefundAmount = &amount
	p.RefundedAt = &refundedAt
	return nil
}

// Close закрывает платёж без оплаты.
func (p *Payment) Close() error {
	return p.TransitionTo(PaymentStatusClosed)
}

// Fail помечает платёж как неудачный.
func (p *Payment) Fail() error {
	return p.TransitionTo(PaymentStatusFailed)
}

// Validate проверяет корректность полей платежа.
func (p *Payment) Validate() error {
	if p.OrderNo == "" {
		return fmt.Errorf("%w: order_no обязателен", ErrInvalidPayment)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id обязателен", ErrInvalidPayment)
	}
	if p.Channel == "" {
		return fmt.Errorf("%w: channel обязателен", ErrInvalidPayment)
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// =============================================================================
// Генерация номеров
// =============================================================================

// GeneratePaymentNo генерирует номер платежа: PAY + yyyyMMddHHmmss + 6 цифр.
// Уникальность страхует уникальный индекс в БД.
func GeneratePaymentNo() string {
	return fmt.Sprintf("PAY%s%06d", time.Now().Format("20060102150405"), rand.IntN(1000000))
}

// GenerateRefundNo генерирует номер возврата: REF + yyyyMMddHHmmss + 6 цифр.
func GenerateRefundNo() string {
	return fmt.Sprintf("REF%s%06d", time.Now().Format("20060102150405"), rand.IntN(1000000))
}
