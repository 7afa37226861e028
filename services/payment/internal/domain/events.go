package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Типы событий платёжного сервиса, публикуемых через outbox.
const (
	EventPaymentCreated  = "payment.created"
	EventPaymentPaid     = "payment.succeeded"
	EventPaymentFailed   = "payment.failed"
	EventPaymentClosed   = "payment.closed"
	EventPaymentRefunded = "payment.refunded"

	EventReconCompleted = "reconciliation.completed"
)

// PaymentEvent — payload события платежа.
// Ключ сообщения — OrderNo: события одного заказа попадают в одну партицию
// и доставляются по порядку.
type PaymentEvent struct {
	PaymentID     string          `json:"payment_id"`
	OrderNo       string          `json:"order_no"`
	PaymentNo     string          `json:"payment_no"`
	Channel       string          `json:"channel"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Status        PaymentStatus   `json:"status"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewPaymentEvent собирает payload события из текущего состояния платежа.
func NewPaymentEvent(p *Payment) PaymentEvent {
	ev := PaymentEvent{
		PaymentID:  p.ID,
		OrderNo:    p.OrderNo,
		PaymentNo:  p.PaymentNo,
		Channel:    p.Channel,
		Amount:     p.Amount,
		Status:     p.Status,
		OccurredAt: time.Now(),
	}
	if p.TransactionID != nil {
		ev.TransactionID = *p.TransactionID
	}
	return ev
}

// ReconEvent — payload события завершённой сверки.
type ReconEvent struct {
	BatchNo   string    `json:"batch_no"`
	Date      string    `json:"date"`
	Channel   string    `json:"channel"`
	Matched   int       `json:"matched"`
	DiffCount int       `json:"diff_count"`
	EndedAt   time.Time `json:"ended_at"`
}
