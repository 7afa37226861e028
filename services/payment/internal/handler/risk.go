package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/risk"
)

// RiskHandler — операторские операции риск-контроля:
// ручная блокировка и разблокировка плательщиков.
type RiskHandler struct {
	engine *risk.Engine
}

// NewRiskHandler создаёт обработчик риск-операций.
func NewRiskHandler(engine *risk.Engine) *RiskHandler {
	return &RiskHandler{engine: engine}
}

// BlockUserRequest — запрос на блокировку плательщика.
type BlockUserRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// Block обрабатывает POST /api/v1/risk/blocks.
func (h *RiskHandler) Block(c *gin.Context) {
	var req BlockUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Не указан плательщик или причина блокировки",
		})
		return
	}

	// По умолчанию блокировка на сутки
	ttl := 24 * time.Hour
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	if err := h.engine.Block(c.Request.Context(), req.UserID, req.Reason, ttl); err != nil {
		HandleDomainError(c, err, "RiskBlock")
		return
	}

	logger.Ctx(c.Request.Context()).Warn().
		Str("user_id", req.UserID).
		Str("reason", req.Reason).
		Str("operator_id", c.GetString("operator_id")).
		Dur("ttl", ttl).
		Msg("Плательщик заблокирован оператором")

	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "blocked": true})
}

// Unblock обрабатывает DELETE /api/v1/risk/blocks/:user_id.
func (h *RiskHandler) Unblock(c *gin.Context) {
	userID := c.Param("user_id")

	if err := h.engine.Unblock(c.Request.Context(), userID); err != nil {
		HandleDomainError(c, err, "RiskUnblock")
		return
	}

	logger.Ctx(c.Request.Context()).Info().
		Str("user_id", userID).
		Str("operator_id", c.GetString("operator_id")).
		Msg("Блокировка плательщика снята оператором")

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "blocked": false})
}
