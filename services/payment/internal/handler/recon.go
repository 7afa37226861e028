package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/reconciliation"
)

// ReconHandler — обработчик административных операций сверки.
// Все эндпоинты защищены операторской авторизацией.
type ReconHandler struct {
	recon reconciliation.Service
}

// NewReconHandler создаёт обработчик сверки.
func NewReconHandler(recon reconciliation.Service) *ReconHandler {
	return &ReconHandler{recon: recon}
}

// === Request/Response DTOs ===

// StartBatchRequest — запрос на создание батча сверки.
type StartBatchRequest struct {
	Date    string `json:"date" binding:"required"`
	Channel string `json:"channel" binding:"required"`
}

// RunRangeRequest — запрос ручной сверки за диапазон дат.
type RunRangeRequest struct {
	From    string `json:"from" binding:"required"`
	To      string `json:"to" binding:"required"`
	Channel string `json:"channel" binding:"required"`
}

// ResolveRequest — решение оператора по расхождению.
type ResolveRequest struct {
	Solution string `json:"solution" binding:"required"`
}

// BatchResponse — батч сверки в ответе API.
type BatchResponse struct {
	BatchNo      string `json:"batch_no"`
	Date         string `json:"date"`
	Channel      string `json:"channel"`
	Status       string `json:"status"`
	SystemCount  int    `json:"system_count"`
	SystemTotal  string `json:"system_total"`
	ChannelCount int    `json:"channel_count"`
	ChannelTotal string `json:"channel_total"`
	MatchedCount int    `json:"matched_count"`
	DiffCount    int    `json:"diff_count"`
	StartedAt    *int64 `json:"started_at,omitempty"`
	EndedAt      *int64 `json:"ended_at,omitempty"`
}

// RecordResponse — запись сверки в ответе API.
type RecordResponse struct {
	ID            string  `json:"id"`
	PaymentNo     string  `json:"payment_no,omitempty"`
	OrderNo       string  `json:"order_no,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
	SystemAmount  string  `json:"system_amount"`
	ChannelAmount string  `json:"channel_amount"`
	DiffAmount    string  `json:"diff_amount"`
	Outcome       string  `json:"outcome"`
	OutcomeText   string  `json:"outcome_text"`
	Reason        string  `json:"reason,omitempty"`
	ResolveStatus string  `json:"resolve_status"`
	Solution      *string `json:"solution,omitempty"`
	Resolver      *string `json:"resolver,omitempty"`
}

// ReportResponse — отчёт по батчу.
type ReportResponse struct {
	Batch   BatchResponse    `json:"batch"`
	Records []RecordResponse `json:"records"`
}

func toBatchResponse(b *domain.ReconciliationBatch) BatchResponse {
	resp := BatchResponse{
		BatchNo:      b.BatchNo,
		Date:         b.Date,
		Channel:      b.Channel,
		Status:       string(b.Status),
		SystemCount:  b.SystemCount,
		SystemTotal:  b.SystemTotal.StringFixed(2),
		ChannelCount: b.ChannelCount,
		ChannelTotal: b.ChannelTotal.StringFixed(2),
		MatchedCount: b.MatchedCount,
		DiffCount:    b.DiffCount,
	}
	if b.StartedAt != nil {
		ts := b.StartedAt.Unix()
		resp.StartedAt = &ts
	}
	if b.EndedAt != nil {
		ts := b.EndedAt.Unix()
		resp.EndedAt = &ts
	}
	return resp
}

func toRecordResponse(r *domain.ReconciliationRecord) RecordResponse {
	return RecordResponse{
		ID:            r.ID,
		PaymentNo:     r.PaymentNo,
		OrderNo:       r.OrderNo,
		TransactionID: r.TransactionID,
		SystemAmount:  r.SystemAmount.StringFixed(2),
		ChannelAmount: r.ChannelAmount.StringFixed(2),
		DiffAmount:    r.DiffAmount.StringFixed(2),
		Outcome:       string(r.Outcome),
		OutcomeText:   r.Outcome.Text(),
		Reason:        r.Reason,
		ResolveStatus: string(r.ResolveStatus),
		Solution:      r.Solution,
		Resolver:      r.Resolver,
	}
}

// === Handlers ===

// StartBatch создаёт батч сверки.
// POST /api/v1/recon/batches
func (h *ReconHandler) StartBatch(c *gin.Context) {
	var req StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	batch, err := h.recon.StartBatch(c.Request.Context(), req.Date, req.Channel)
	if err != nil {
		HandleDomainError(c, err, "StartBatch")
		return
	}

	c.JSON(http.StatusCreated, toBatchResponse(batch))
}

// RunBatch выполняет сверку батча.
// POST /api/v1/recon/batches/:no/run
func (h *ReconHandler) RunBatch(c *gin.Context) {
	batch, err := h.recon.RunBatch(c.Request.Context(), c.Param("no"))
	if err != nil {
		HandleDomainError(c, err, "RunBatch")
		return
	}

	c.JSON(http.StatusOK, toBatchResponse(batch))
}

// RunRange запускает сверку за диапазон дат.
// POST /api/v1/recon/runs
func (h *ReconHandler) RunRange(c *gin.Context) {
	var req RunRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректная дата from",
		})
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректная дата to",
		})
		return
	}

	batches, err := h.recon.RunRange(c.Request.Context(), from, to, req.Channel)
	if err != nil {
		HandleDomainError(c, err, "RunRange")
		return
	}

	items := make([]BatchResponse, 0, len(batches))
	for _, b := range batches {
		items = append(items, toBatchResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"batches": items})
}

// Report возвращает отчёт по батчу.
// GET /api/v1/recon/batches/:no/report
func (h *ReconHandler) Report(c *gin.Context) {
	report, err := h.recon.GetReport(c.Request.Context(), c.Param("no"))
	if err != nil {
		HandleDomainError(c, err, "ReconReport")
		return
	}

	records := make([]RecordResponse, 0, len(report.Records))
	for _, r := range report.Records {
		records = append(records, toRecordResponse(r))
	}

	c.JSON(http.StatusOK, ReportResponse{
		Batch:   toBatchResponse(report.Batch),
		Records: records,
	})
}

// Export выгружает записи батча в CSV.
// GET /api/v1/recon/batches/:no/export
func (h *ReconHandler) Export(c *gin.Context) {
	batchNo := c.Param("no")

	data, err := h.recon.ExportCSV(c.Request.Context(), batchNo)
	if err != nil {
		HandleDomainError(c, err, "ReconExport")
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", batchNo))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

// Resolve помечает расхождение разобранным.
// PUT /api/v1/recon/records/:id/resolve
func (h *ReconHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Некорректный формат запроса",
		})
		return
	}

	operatorID := c.GetString("operator_id")
	record, err := h.recon.Resolve(c.Request.Context(), c.Param("id"), req.Solution, operatorID)
	if err != nil {
		HandleDomainError(c, err, "ReconResolve")
		return
	}

	c.JSON(http.StatusOK, toRecordResponse(record))
}
