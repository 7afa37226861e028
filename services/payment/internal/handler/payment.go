package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/repository"
	"example.com/payment-system/services/payment/internal/service"
)

// PaymentHandler — обработчик платёжных операций.
type PaymentHandler struct {
	payments service.PaymentService
}

// NewPaymentHandler создаёт новый обработчик платежей.
func NewPaymentHandler(payments service.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// === Request/Response DTOs ===

// CreatePaymentRequest — запрос на создание платежа.
type CreatePaymentRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	UserID  string `json:"user_id" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Channel string `json:"channel" binding:"required"`
}

// InitiatePaymentRequest — запрос на запуск платежа.
type InitiatePaymentRequest struct {
	DeviceInfo string         `json:"device_info"`
	Params     map[string]any `json:"params"`
}

// RefundRequest — запрос на возврат.
type RefundRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// PaymentResponse — платёж в ответе API.
type PaymentResponse struct {
	ID            string  `json:"id"`
	PaymentNo     string  `json:"payment_no"`
	OrderNo       string  `json:"order_no"`
	UserID        string  `json:"user_id"`
	Channel       string  `json:"channel"`
	Amount        string  `json:"amount"`
	Status        string  `json:"status"`
	TransactionID *string `json:"transaction_id,omitempty"`
	RefundNo      *string `json:"refund_no,omitempty"`
	RefundAmount  *string `json:"refund_amount,omitempty"`
	PaidAt        *int64  `json:"paid_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
}

// InitiatePaymentResponse — ответ на запуск платежа.
type InitiatePaymentResponse struct {
	Payment string         `json:"payment_id"`
	Params  map[string]any `json:"params"`
}

// ListPaymentsResponse — страница платежей.
type ListPaymentsResponse struct {
	Payments   []PaymentResponse  `json:"payments"`
	Pagination PaginationResponse `json:"pagination"`
}

// PaginationResponse — информация о пагинации.
type PaginationResponse struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	resp := PaymentResponse{
		ID:            p.ID,
		PaymentNo:     p.PaymentNo,
		OrderNo:       p.OrderNo,
		UserID:        p.UserID,
		Channel:       p.Channel,
		Amount:        p.Amount.StringFixed(2),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		RefundNo:      p.RefundNo,
		CreatedAt:     p.CreatedAt.Unix(),
	}
	if p.RefundAmount != nil {
		s := p.RefundAmount.StringFixed(2)
		resp.RefundAmount = &s
	}
	if p.PaidAt != nil {
		ts := p.PaidAt.Unix()
		resp.PaidAt = &ts
	}
	return resp
}

// === Handlers ===

// Create создаёт платёж.
// POST /api/v1/payments
func (h *PaymentHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("Невалидный запрос создания платежа")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректная сумма платежа",
		})
		return
	}

	payment, err := h.payments.CreatePayment(ctx, service.CreatePaymentRequest{
		OrderNo:  req.OrderNo,
		UserID:   req.UserID,
		Amount:   amount,
		Channel:  req.Channel,
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		HandleDomainError(c, err, "CreatePayment")
		return
	}

	c.JSON(http.StatusCreated, toPaymentResponse(payment))
}

// Initiate запускает платёж через канал.
// POST /api/v1/payments/:id/initiate
func (h *PaymentHandler) Initiate(c *gin.Context) {
	ctx := c.Request.Context()

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	params, err := h.payments.InitiatePayment(ctx, service.InitiatePaymentRequest{
		PaymentID:  c.Param("id"),
		DeviceInfo: req.DeviceInfo,
		Params:     req.Params,
	})
	if err != nil {
		HandleDomainError(c, err, "InitiatePayment")
		return
	}

	c.JSON(http.StatusOK, InitiatePaymentResponse{
		Payment: c.Param("id"),
		Params:  params,
	})
}

// Status возвращает статус платежа по номеру заказа.
// GET /api/v1/payments/status?order_no=...
func (h *PaymentHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Параметр order_no обязателен",
		})
		return
	}

	payment, err := h.payments.QueryStatus(ctx, orderNo)
	if err != nil {
		HandleDomainError(c, err, "QueryStatus")
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// Refund выполняет возврат платежа.
// POST /api/v1/payments/refund
func (h *PaymentHandler) Refund(c *gin.Context) {
	ctx := c.Request.Context()

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректная сумма возврата",
		})
		return
	}

	payment, err := h.payments.Refund(ctx, req.OrderNo, amount)
	if err != nil {
		HandleDomainError(c, err, "Refund")
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// List возвращает страницу платежей.
// GET /api/v1/payments?user_id=&channel=&status=&page=&size=
func (h *PaymentHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	filter := repository.ListFilter{
		UserID:  c.Query("user_id"),
		Channel: c.Query("channel"),
		Status:  c.Query("status"),
		Page:    page,
		Size:    size,
	}

	payments, total, err := h.payments.ListPayments(ctx, filter)
	if err != nil {
		HandleDomainError(c, err, "ListPayments")
		return
	}

	items := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		items = append(items, toPaymentResponse(p))
	}

	c.JSON(http.StatusOK, ListPaymentsResponse{
		Payments: items,
		Pagination: PaginationResponse{
			CurrentPage: page,
			PageSize:    size,
			TotalItems:  total,
		},
	})
}

// Channels возвращает поддерживаемые платёжные каналы.
// GET /api/v1/payments/channels
func (h *PaymentHandler) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.payments.Channels()})
}
