package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/service"
)

// maxCallbackBody ограничивает размер тела уведомления.
const maxCallbackBody = 1 << 20 // 1 MB

// CallbackHandler — обработчик уведомлений платёжных каналов.
type CallbackHandler struct {
	payments service.PaymentService
}

// NewCallbackHandler создаёт обработчик уведомлений.
func NewCallbackHandler(payments service.PaymentService) *CallbackHandler {
	return &CallbackHandler{payments: payments}
}

// stripeEvent — минимальный разбор webhook события для извлечения
// реквизитов платежа. Подпись проверяет стратегия по исходному телу.
type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Created  int64  `json:"created"`
			Metadata struct {
				OrderNo string `json:"order_no"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// stripeEventStatus нормализует тип webhook события в статус исхода.
func stripeEventStatus(eventType string) channel.StatusCode {
	switch eventType {
	case "payment_intent.succeeded":
		return channel.StatusPaid
	case "payment_intent.payment_failed":
		return channel.StatusFailed
	case "payment_intent.canceled":
		return channel.StatusCancelled
	default:
		return channel.StatusUnknown
	}
}

// Stripe обрабатывает webhook Stripe.
// POST /api/v1/callbacks/stripe
func (h *CallbackHandler) Stripe(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Не удалось прочитать тело уведомления",
		})
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Debug().Err(err).Msg("Невалидное тело webhook Stripe")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат уведомления",
		})
		return
	}

	n := channel.Notification{
		OrderNo:       event.Data.Object.Metadata.OrderNo,
		TransactionID: event.Data.Object.ID,
		Amount:        decimal.New(event.Data.Object.Amount, -2),
		Status:        stripeEventStatus(event.Type),
		RawBody:       body,
		Headers: map[string]string{
			"Stripe-Signature": c.GetHeader("Stripe-Signature"),
		},
	}
	if event.Data.Object.Created > 0 {
		n.PaidAt = time.Unix(event.Data.Object.Created, 0)
	}

	if err := h.payments.ProcessCallback(ctx, channel.ChannelStripe, n); err != nil {
		HandleDomainError(c, err, "StripeCallback")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// CardGate обрабатывает form-encoded уведомление карточного шлюза.
// Шлюз ожидает в ответе текст "success", любой другой ответ
// считается ошибкой и уведомление повторяется.
// POST /api/v1/callbacks/cardgate
func (h *CallbackHandler) CardGate(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "fail")
		return
	}

	params := make(map[string]string, len(c.Request.PostForm))
	for key := range c.Request.PostForm {
		params[key] = c.Request.PostForm.Get(key)
	}

	amount, err := decimal.NewFromString(params["amount"])
	if err != nil {
		amount = decimal.Zero
	}

	n := channel.Notification{
		OrderNo:       params["order_no"],
		TransactionID: params["transaction_id"],
		Amount:        amount,
		Status:        channel.MapCardGateStatus(params["status"]),
		Params:        params,
	}
	if paidAt, err := time.Parse(time.RFC3339, params["paid_at"]); err == nil {
		n.PaidAt = paidAt
	}

	if err := h.payments.ProcessCallback(ctx, channel.ChannelCardGate, n); err != nil {
		log.Warn().Err(err).
			Str("order_no", n.OrderNo).
			Msg("Уведомление CardGate отклонено")
		c.String(http.StatusOK, "fail")
		return
	}

	c.String(http.StatusOK, "success")
}
