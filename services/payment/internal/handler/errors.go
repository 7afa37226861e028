// Package handler содержит HTTP обработчики платёжного API.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleDomainError преобразует доменную ошибку в HTTP ответ.
// Используется всеми handlers для единообразной обработки ошибок.
func HandleDomainError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	// Guard: nil ошибка — баг в вызывающем коде.
	if err == nil {
		log.Error().Str("method", method).Msg("HandleDomainError вызван с nil ошибкой — баг в коде")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	var httpStatus int
	var errorCode string

	switch {
	case errors.Is(err, domain.ErrInvalidPayment),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnsupportedChannel),
		errors.Is(err, domain.ErrMalformedNotification),
		errors.Is(err, domain.ErrVerificationFailed),
		errors.Is(err, domain.ErrIntegrityAlert):
		httpStatus = http.StatusBadRequest
		errorCode = "invalid_request"

	case errors.Is(err, domain.ErrRiskBlocked):
		httpStatus = http.StatusPaymentRequired
		errorCode = "risk_blocked"

	case errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrRecordNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "not_found"

	case errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrNotPaid),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrBatchNotRunnable):
		httpStatus = http.StatusConflict
		errorCode = "conflict"

	case errors.Is(err, domain.ErrBusy):
		httpStatus = http.StatusTooManyRequests
		errorCode = "busy"

	case errors.Is(err, domain.ErrChannelUnavailable):
		httpStatus = http.StatusServiceUnavailable
		errorCode = "channel_unavailable"

	default:
		httpStatus = http.StatusInternalServerError
		errorCode = "internal_error"
		log.Error().
			Err(err).
			Str("method", method).
			Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{
		Error:   errorCode,
		Message: err.Error(),
	})
}
