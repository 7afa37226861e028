package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/reconciliation"
)

// MockReconService — мок для reconciliation.Service.
type MockReconService struct {
	StartBatchFunc func(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error)
	RunBatchFunc   func(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error)
	RunRangeFunc   func(ctx context.Context, from, to time.Time, channelID string) ([]*domain.ReconciliationBatch, error)
	ResolveFunc    func(ctx context.Context, recordID, solution, resolver string) (*domain.ReconciliationRecord, error)
	GetReportFunc  func(ctx context.Context, batchNo string) (*reconciliation.Report, error)
	ExportCSVFunc  func(ctx context.Context, batchNo string) ([]byte, error)
}

func (m *MockReconService) StartBatch(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error) {
	if m.StartBatchFunc != nil {
		return m.StartBatchFunc(ctx, date, channelID)
	}
	return nil, nil
}

func (m *MockReconService) RunBatch(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error) {
	if m.RunBatchFunc != nil {
		return m.RunBatchFunc(ctx, batchNo)
	}
	return nil, nil
}

func (m *MockReconService) RunRange(ctx context.Context, from, to time.Time, channelID string) ([]*domain.ReconciliationBatch, error) {
	if m.RunRangeFunc != nil {
		return m.RunRangeFunc(ctx, from, to, channelID)
	}
	return nil, nil
}

func (m *MockReconService) Resolve(ctx context.Context, recordID, solution, resolver string) (*domain.ReconciliationRecord, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, recordID, solution, resolver)
	}
	return nil, nil
}

func (m *MockReconService) GetReport(ctx context.Context, batchNo string) (*reconciliation.Report, error) {
	if m.GetReportFunc != nil {
		return m.GetReportFunc(ctx, batchNo)
	}
	return nil, nil
}

func (m *MockReconService) ExportCSV(ctx context.Context, batchNo string) ([]byte, error) {
	if m.ExportCSVFunc != nil {
		return m.ExportCSVFunc(ctx, batchNo)
	}
	return nil, nil
}

// setupReconRouter создаёт Gin router с операторскими маршрутами сверки.
// Имитация auth middleware кладёт operator_id в контекст.
func setupReconRouter(svc reconciliation.Service, operatorID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	r.Use(func(c *gin.Context) {
		if operatorID != "" {
			c.Set("operator_id", operatorID)
		}
		c.Next()
	})

	h := NewReconHandler(svc)
	r.POST("/api/v1/recon/batches", h.StartBatch)
	r.POST("/api/v1/recon/batches/:no/run", h.RunBatch)
	r.GET("/api/v1/recon/batches/:no/report", h.Report)
	r.GET("/api/v1/recon/batches/:no/export", h.Export)
	r.POST("/api/v1/recon/runs", h.RunRange)
	r.PUT("/api/v1/recon/records/:id/resolve", h.Resolve)

	return r
}

func testBatch() *domain.ReconciliationBatch {
	return &domain.ReconciliationBatch{
		ID:           "batch-1",
		BatchNo:      "RCB20260829cardgate123456",
		Date:         "2026-08-29",
		Channel:      "cardgate",
		Status:       domain.BatchStatusCompleted,
		SystemCount:  2,
		SystemTotal:  decimal.NewFromInt(300),
		ChannelCount: 2,
		ChannelTotal: decimal.NewFromInt(350),
		MatchedCount: 1,
		DiffCount:    1,
	}
}

func TestReconHandler_StartBatch_Success(t *testing.T) {
	svc := &MockReconService{
		StartBatchFunc: func(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error) {
			assert.Equal(t, "2026-08-29", date)
			assert.Equal(t, "cardgate", channelID)
			b := testBatch()
			b.Status = domain.BatchStatusNotStarted
			return b, nil
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/recon/batches", gin.H{
		"date":    "2026-08-29",
		"channel": "cardgate",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_STARTED")
}

func TestReconHandler_RunBatch_NotRunnable(t *testing.T) {
	svc := &MockReconService{
		RunBatchFunc: func(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error) {
			return nil, domain.ErrBatchNotRunnable
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/recon/batches/RCB1/run", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReconHandler_RunRange_Success(t *testing.T) {
	svc := &MockReconService{
		RunRangeFunc: func(ctx context.Context, from, to time.Time, channelID string) ([]*domain.ReconciliationBatch, error) {
			assert.Equal(t, "2026-08-27", from.Format("2006-01-02"))
			assert.Equal(t, "2026-08-29", to.Format("2006-01-02"))
			return []*domain.ReconciliationBatch{testBatch()}, nil
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/recon/runs", gin.H{
		"from":    "2026-08-27",
		"to":      "2026-08-29",
		"channel": "cardgate",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RCB20260829cardgate123456")
}

func TestReconHandler_RunRange_BadDates(t *testing.T) {
	r := setupReconRouter(&MockReconService{}, "operator-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/recon/runs", gin.H{
		"from":    "27.08.2026",
		"to":      "2026-08-29",
		"channel": "cardgate",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconHandler_Report_Success(t *testing.T) {
	svc := &MockReconService{
		GetReportFunc: func(ctx context.Context, batchNo string) (*reconciliation.Report, error) {
			return &reconciliation.Report{
				Batch: testBatch(),
				Records: []*domain.ReconciliationRecord{
					{
						ID:            "rec-1",
						BatchNo:       batchNo,
						OrderNo:       "order-2",
						SystemAmount:  decimal.NewFromInt(200),
						ChannelAmount: decimal.NewFromInt(250),
						DiffAmount:    decimal.NewFromInt(-50),
						Outcome:       domain.ReconAmountMismatch,
						ResolveStatus: domain.ResolveUnresolved,
					},
				},
			}, nil
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodGet, "/api/v1/recon/batches/RCB1/report", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Batch.DiffCount)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "AMOUNT_MISMATCH", resp.Records[0].Outcome)
	assert.Equal(t, "Расхождение суммы", resp.Records[0].OutcomeText)
	assert.Equal(t, "-50.00", resp.Records[0].DiffAmount)
}

func TestReconHandler_Export_Success(t *testing.T) {
	svc := &MockReconService{
		ExportCSVFunc: func(ctx context.Context, batchNo string) ([]byte, error) {
			return []byte("batch_no,payment_no\nRCB1,PAY1\n"), nil
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodGet, "/api/v1/recon/batches/RCB1/export", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "RCB1.csv")
	assert.Contains(t, w.Body.String(), "PAY1")
}

func TestReconHandler_Export_NotFound(t *testing.T) {
	svc := &MockReconService{
		ExportCSVFunc: func(ctx context.Context, batchNo string) ([]byte, error) {
			return nil, domain.ErrBatchNotFound
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodGet, "/api/v1/recon/batches/RCB1/export", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconHandler_Resolve_Success(t *testing.T) {
	svc := &MockReconService{
		ResolveFunc: func(ctx context.Context, recordID, solution, resolver string) (*domain.ReconciliationRecord, error) {
			assert.Equal(t, "rec-1", recordID)
			assert.Equal(t, "operator-1", resolver, "resolver берётся из auth контекста")

			now := time.Now()
			return &domain.ReconciliationRecord{
				ID:            recordID,
				Outcome:       domain.ReconAmountMismatch,
				ResolveStatus: domain.ResolveResolved,
				Solution:      &solution,
				Resolver:      &resolver,
				ResolvedAt:    &now,
			}, nil
		},
	}
	r := setupReconRouter(svc, "operator-1")

	w := doJSON(t, r, http.MethodPut, "/api/v1/recon/records/rec-1/resolve", gin.H{
		"solution": "возврат оформлен вручную",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RESOLVED")
}

func TestReconHandler_Resolve_MissingSolution(t *testing.T) {
	r := setupReconRouter(&MockReconService{}, "operator-1")

	w := doJSON(t, r, http.MethodPut, "/api/v1/recon/records/rec-1/resolve", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
