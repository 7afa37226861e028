package reconciliation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-system/pkg/outbox"
	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/repository"
)

// =============================================================================
// Моки
// =============================================================================

type mockReconRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.ReconciliationBatch // по batch_no
	records map[string]*domain.ReconciliationRecord

	saveErr   error
	updateErr error

	// Вызывается после чтения батча: имитация конкурентных переходов
	afterGetBatch func()
}

func newMockReconRepo() *mockReconRepo {
	return &mockReconRepo{
		batches: make(map[string]*domain.ReconciliationBatch),
		records: make(map[string]*domain.ReconciliationRecord),
	}
}

func (m *mockReconRepo) CreateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.batches {
		if b.Date == batch.Date && b.Channel == batch.Channel {
			return domain.ErrConcurrentModification
		}
	}
	copy := *batch
	m.batches[batch.BatchNo] = &copy
	return nil
}

func (m *mockReconRepo) GetBatch(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.batches {
		if b.Date == date && b.Channel == channelID {
			copy := *b
			return &copy, nil
		}
	}
	return nil, domain.ErrBatchNotFound
}

func (m *mockReconRepo) GetBatchByNo(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.batches[batchNo]; ok {
		copy := *b
		if m.afterGetBatch != nil {
			m.afterGetBatch()
		}
		return &copy, nil
	}
	return nil, domain.ErrBatchNotFound
}

func (m *mockReconRepo) MarkBatchRunning(ctx context.Context, batch *domain.ReconciliationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.batches[batch.BatchNo]
	if !ok {
		return domain.ErrBatchNotFound
	}
	// Эмулирует WHERE status IN (NOT_STARTED, FAILED)
	if stored.Status != domain.BatchStatusNotStarted && stored.Status != domain.BatchStatusFailed {
		return domain.ErrBatchNotRunnable
	}
	copy := *batch
	copy.Status = domain.BatchStatusRunning
	m.batches[batch.BatchNo] = &copy
	return nil
}

func (m *mockReconRepo) UpdateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.batches[batch.BatchNo]; !ok {
		return domain.ErrBatchNotFound
	}
	copy := *batch
	m.batches[batch.BatchNo] = &copy
	return nil
}

func (m *mockReconRepo) SaveResults(ctx context.Context, batch *domain.ReconciliationBatch, records []*domain.ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	copy := *batch
	m.batches[batch.BatchNo] = &copy
	for _, r := range records {
		rc := *r
		m.records[r.ID] = &rc
	}
	return nil
}

func (m *mockReconRepo) ListRecords(ctx context.Context, batchNo, outcome string) ([]*domain.ReconciliationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.ReconciliationRecord
	for _, r := range m.records {
		if r.BatchNo != batchNo {
			continue
		}
		if outcome != "" && string(r.Outcome) != outcome {
			continue
		}
		copy := *r
		result = append(result, &copy)
	}
	return result, nil
}

func (m *mockReconRepo) GetRecordByID(ctx context.Context, recordID string) (*domain.ReconciliationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[recordID]; ok {
		copy := *r
		return &copy, nil
	}
	return nil, domain.ErrRecordNotFound
}

func (m *mockReconRepo) ResolveRecord(ctx context.Context, record *domain.ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; !ok {
		return domain.ErrRecordNotFound
	}
	copy := *record
	m.records[record.ID] = &copy
	return nil
}

// mockPaymentRepo отдаёт фиксированный набор оплаченных платежей.
type mockPaymentRepo struct {
	repository.PaymentRepository // заглушка неиспользуемых методов

	paid    []*domain.Payment
	paidErr error
}

func (m *mockPaymentRepo) ListPaidByDateAndChannel(ctx context.Context, date, channelID string) ([]*domain.Payment, error) {
	return m.paid, m.paidErr
}

// settlementStrategy отдаёт фиксированную выписку.
type settlementStrategy struct {
	id         string
	statements []channel.SettlementRecord
	err        error
}

func (s *settlementStrategy) Channel() string     { return s.id }
func (s *settlementStrategy) DisplayName() string { return s.id }

func (s *settlementStrategy) Init(ctx context.Context, payment *domain.Payment) (channel.LaunchParams, error) {
	return nil, nil
}

func (s *settlementStrategy) ProcessCallback(ctx context.Context, n channel.Notification) bool {
	return false
}

func (s *settlementStrategy) QueryStatus(ctx context.Context, payment *domain.Payment) (channel.StatusCode, error) {
	return channel.StatusUnknown, nil
}

func (s *settlementStrategy) Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error) {
	return false, nil
}

func (s *settlementStrategy) DownloadSettlement(ctx context.Context, date string) ([]channel.SettlementRecord, error) {
	return s.statements, s.err
}

func (s *settlementStrategy) ValidateParams(params map[string]any) bool { return true }

// mockOutboxRepo запоминает созданные события.
type mockOutboxRepo struct {
	mu     sync.Mutex
	events []*outbox.Outbox
}

func (m *mockOutboxRepo) Create(ctx context.Context, record *outbox.Outbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, record)
	return nil
}

func (m *mockOutboxRepo) GetUnprocessed(ctx context.Context, limit int) ([]*outbox.Outbox, error) {
	return nil, nil
}

func (m *mockOutboxRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

func (m *mockOutboxRepo) MarkFailed(ctx context.Context, id string, err error) error { return nil }

func (m *mockOutboxRepo) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// =============================================================================
// Setup
// =============================================================================

func paidPayment(orderNo, txn string, amount int64) *domain.Payment {
	txnID := txn
	p := &domain.Payment{
		ID:        "pay-" + orderNo,
		PaymentNo: "PAY-" + orderNo,
		OrderNo:   orderNo,
		UserID:    "user-1",
		Channel:   "cardgate",
		Amount:    decimal.NewFromInt(amount),
		Status:    domain.PaymentStatusPaid,
	}
	if txn != "" {
		p.TransactionID = &txnID
	}
	return p
}

type reconEnv struct {
	reconRepo   *mockReconRepo
	paymentRepo *mockPaymentRepo
	strategy    *settlementStrategy
	outboxRepo  *mockOutboxRepo
	svc         Service
}

func setupRecon(t *testing.T) *reconEnv {
	t.Helper()

	reconRepo := newMockReconRepo()
	paymentRepo := &mockPaymentRepo{}
	strategy := &settlementStrategy{id: "cardgate"}
	outboxRepo := &mockOutboxRepo{}

	svc := NewService(reconRepo, paymentRepo, channel.NewRegistry(strategy), outboxRepo)
	return &reconEnv{
		reconRepo:   reconRepo,
		paymentRepo: paymentRepo,
		strategy:    strategy,
		outboxRepo:  outboxRepo,
		svc:         svc,
	}
}

// =============================================================================
// Тесты StartBatch
// =============================================================================

func TestRecon_StartBatch_Success(t *testing.T) {
	env := setupRecon(t)

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")

	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusNotStarted, batch.Status)
	assert.Regexp(t, `^RCB20260829cardgate\d{6}$`, batch.BatchNo)
}

func TestRecon_StartBatch_Idempotency(t *testing.T) {
	env := setupRecon(t)

	first, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	second, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	assert.Equal(t, first.BatchNo, second.BatchNo, "повторный вызов должен вернуть тот же батч")
	assert.Len(t, env.reconRepo.batches, 1)
}

func TestRecon_StartBatch_UnsupportedChannel(t *testing.T) {
	env := setupRecon(t)

	_, err := env.svc.StartBatch(context.Background(), "2026-08-29", "crypto")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannel)
}

func TestRecon_StartBatch_BadDate(t *testing.T) {
	env := setupRecon(t)

	_, err := env.svc.StartBatch(context.Background(), "29.08.2026", "cardgate")

	require.Error(t, err)
}

// =============================================================================
// Тесты RunBatch
// =============================================================================

func TestRecon_RunBatch_AllOutcomes(t *testing.T) {
	env := setupRecon(t)

	env.paymentRepo.paid = []*domain.Payment{
		paidPayment("order-1", "txn-1", 100), // совпадёт
		paidPayment("order-2", "txn-2", 200), // расхождение суммы
		paidPayment("order-3", "txn-3", 300), // только в системе
	}
	env.strategy.statements = []channel.SettlementRecord{
		{TransactionID: "txn-1", OrderNo: "order-1", Amount: decimal.NewFromInt(100)},
		{TransactionID: "txn-2", OrderNo: "order-2", Amount: decimal.NewFromInt(250)},
		{TransactionID: "txn-9", OrderNo: "order-9", Amount: decimal.NewFromInt(900)}, // только у канала
	}

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	batch, err = env.svc.RunBatch(context.Background(), batch.BatchNo)
	require.NoError(t, err)

	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 3, batch.SystemCount)
	assert.Equal(t, 3, batch.ChannelCount)
	assert.Equal(t, 1, batch.MatchedCount)
	assert.Equal(t, 3, batch.DiffCount)
	assert.True(t, batch.SystemTotal.Equal(decimal.NewFromInt(600)))
	assert.True(t, batch.ChannelTotal.Equal(decimal.NewFromInt(1250)))
	require.NotNil(t, batch.StartedAt)
	require.NotNil(t, batch.EndedAt)

	// Проверяем классификацию записей
	byOutcome := map[domain.ReconOutcome]*domain.ReconciliationRecord{}
	for _, r := range env.reconRepo.records {
		byOutcome[r.Outcome] = r
	}
	require.Len(t, byOutcome, 4)

	matched := byOutcome[domain.ReconMatched]
	assert.Equal(t, "order-1", matched.OrderNo)
	assert.True(t, matched.DiffAmount.IsZero())

	mismatch := byOutcome[domain.ReconAmountMismatch]
	assert.Equal(t, "order-2", mismatch.OrderNo)
	assert.True(t, mismatch.DiffAmount.Equal(decimal.NewFromInt(-50)), "разница = система минус канал")

	systemOnly := byOutcome[domain.ReconSystemOnly]
	assert.Equal(t, "order-3", systemOnly.OrderNo)
	assert.True(t, systemOnly.DiffAmount.Equal(decimal.NewFromInt(300)))

	channelOnly := byOutcome[domain.ReconChannelOnly]
	assert.Equal(t, "txn-9", channelOnly.TransactionID)
	assert.Empty(t, channelOnly.PaymentNo)
	assert.True(t, channelOnly.DiffAmount.Equal(decimal.NewFromInt(-900)))

	// Событие завершения сверки записано в outbox
	require.Len(t, env.outboxRepo.events, 1)
	assert.Equal(t, domain.EventReconCompleted, env.outboxRepo.events[0].EventType)
	assert.Equal(t, batch.BatchNo, env.outboxRepo.events[0].MessageKey)
}

func TestRecon_RunBatch_EmptyDay(t *testing.T) {
	env := setupRecon(t)

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	batch, err = env.svc.RunBatch(context.Background(), batch.BatchNo)

	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
	assert.Zero(t, batch.SystemCount)
	assert.Zero(t, batch.DiffCount)
	assert.Empty(t, env.reconRepo.records)
}

func TestRecon_RunBatch_SettlementError(t *testing.T) {
	env := setupRecon(t)
	env.strategy.err = domain.ErrChannelUnavailable

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)

	// Батч помечен FAILED, записи не сохранены
	failed, getErr := env.reconRepo.GetBatchByNo(context.Background(), batch.BatchNo)
	require.NoError(t, getErr)
	assert.Equal(t, domain.BatchStatusFailed, failed.Status)
	assert.Empty(t, env.reconRepo.records, "при ошибке записи не сохраняются")
	assert.Empty(t, env.outboxRepo.events)
}

func TestRecon_RunBatch_RetryAfterFailure(t *testing.T) {
	env := setupRecon(t)
	env.strategy.err = domain.ErrChannelUnavailable

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)
	require.Error(t, err)

	// Канал ожил, FAILED батч можно перезапустить
	env.strategy.err = nil

	batch, err = env.svc.RunBatch(context.Background(), batch.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)
}

func TestRecon_RunBatch_NotRunnable(t *testing.T) {
	env := setupRecon(t)

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)
	require.NoError(t, err)

	// Завершённый батч повторно не запускается
	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBatchNotRunnable)
}

func TestRecon_RunBatch_ConcurrentStart(t *testing.T) {
	env := setupRecon(t)

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	// Параллельный запуск успевает перевести батч в RUNNING
	// между чтением и переходом
	env.reconRepo.afterGetBatch = func() {
		env.reconRepo.batches[batch.BatchNo].Status = domain.BatchStatusRunning
	}

	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBatchNotRunnable)
	assert.Empty(t, env.reconRepo.records, "проигравший запуск не пишет записей")
}

func TestRecon_RunBatch_NotFound(t *testing.T) {
	env := setupRecon(t)

	_, err := env.svc.RunBatch(context.Background(), "RCB00000000cardgate000000")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRecon_RunBatch_SaveError(t *testing.T) {
	env := setupRecon(t)
	env.reconRepo.saveErr = errors.New("deadlock detected")

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)

	_, err = env.svc.RunBatch(context.Background(), batch.BatchNo)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")

	failed, _ := env.reconRepo.GetBatchByNo(context.Background(), batch.BatchNo)
	assert.Equal(t, domain.BatchStatusFailed, failed.Status)
}

// =============================================================================
// Тесты RunRange
// =============================================================================

func TestRecon_RunRange_ThreeDays(t *testing.T) {
	env := setupRecon(t)

	from := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	batches, err := env.svc.RunRange(context.Background(), from, to, "cardgate")

	require.NoError(t, err)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Equal(t, domain.BatchStatusCompleted, b.Status)
	}
	assert.Len(t, env.reconRepo.batches, 3)
}

func TestRecon_RunRange_InvalidRange(t *testing.T) {
	env := setupRecon(t)

	from := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	_, err := env.svc.RunRange(context.Background(), from, to, "cardgate")

	require.Error(t, err)
}

// =============================================================================
// Тесты Resolve и отчётов
// =============================================================================

func runBatchWithDiff(t *testing.T, env *reconEnv) *domain.ReconciliationBatch {
	t.Helper()

	env.paymentRepo.paid = []*domain.Payment{
		paidPayment("order-1", "txn-1", 100),
		paidPayment("order-2", "txn-2", 200),
	}
	env.strategy.statements = []channel.SettlementRecord{
		{TransactionID: "txn-1", OrderNo: "order-1", Amount: decimal.NewFromInt(100)},
		{TransactionID: "txn-2", OrderNo: "order-2", Amount: decimal.NewFromInt(250)},
	}

	batch, err := env.svc.StartBatch(context.Background(), "2026-08-29", "cardgate")
	require.NoError(t, err)
	batch, err = env.svc.RunBatch(context.Background(), batch.BatchNo)
	require.NoError(t, err)
	return batch
}

func TestRecon_Resolve_Success(t *testing.T) {
	env := setupRecon(t)
	batch := runBatchWithDiff(t, env)

	report, err := env.svc.GetReport(context.Background(), batch.BatchNo)
	require.NoError(t, err)
	require.Len(t, report.Records, 1)

	record, err := env.svc.Resolve(context.Background(), report.Records[0].ID, "возврат оформлен вручную", "operator-1")

	require.NoError(t, err)
	assert.Equal(t, domain.ResolveResolved, record.ResolveStatus)
	require.NotNil(t, record.Solution)
	assert.Equal(t, "возврат оформлен вручную", *record.Solution)
	require.NotNil(t, record.Resolver)
	assert.Equal(t, "operator-1", *record.Resolver)
	assert.NotNil(t, record.ResolvedAt)
}

func TestRecon_Resolve_NotFound(t *testing.T) {
	env := setupRecon(t)

	_, err := env.svc.Resolve(context.Background(), "non-existent", "решение", "operator-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRecon_GetReport(t *testing.T) {
	env := setupRecon(t)
	batch := runBatchWithDiff(t, env)

	report, err := env.svc.GetReport(context.Background(), batch.BatchNo)

	require.NoError(t, err)
	assert.Equal(t, batch.BatchNo, report.Batch.BatchNo)
	assert.Equal(t, 1, report.Batch.MatchedCount)

	// В отчёте только расхождения, совпавшие записи не включаются
	require.Len(t, report.Records, 1)
	assert.Equal(t, domain.ReconAmountMismatch, report.Records[0].Outcome)
}

func TestRecon_GetReport_NotFound(t *testing.T) {
	env := setupRecon(t)

	_, err := env.svc.GetReport(context.Background(), "RCB00000000cardgate000000")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRecon_ExportCSV(t *testing.T) {
	env := setupRecon(t)
	batch := runBatchWithDiff(t, env)

	data, err := env.svc.ExportCSV(context.Background(), batch.BatchNo)

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3, "заголовок и две записи")
	assert.Equal(t, "batch_no,payment_no,order_no,transaction_id,system_amount,channel_amount,diff_amount,outcome,reason,resolve_status", lines[0])
	assert.Contains(t, string(data), "AMOUNT_MISMATCH")
	assert.Contains(t, string(data), "MATCHED")
}

// =============================================================================
// Тесты воркера
// =============================================================================

func TestWorker_NextRun(t *testing.T) {
	w := NewWorker(nil, []string{"cardgate"}, 2)

	now := time.Date(2026, 8, 30, 1, 30, 0, 0, time.UTC)
	next := w.nextRun(now)
	assert.Equal(t, time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC), next, "до часа запуска — сегодня")

	now = time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
	next = w.nextRun(now)
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC), next, "ровно в час запуска — завтра")

	now = time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	next = w.nextRun(now)
	assert.Equal(t, time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC), next, "после часа запуска — завтра")
}
