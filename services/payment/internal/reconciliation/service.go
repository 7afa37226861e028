// Package reconciliation реализует сверку платежей с выписками каналов.
package reconciliation

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/kafka"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/pkg/metrics"
	"example.com/payment-system/pkg/outbox"
	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/domain"
	"example.com/payment-system/services/payment/internal/repository"
)

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// Report — отчёт по батчу сверки.
type Report struct {
	Batch   *domain.ReconciliationBatch   // Батч с агрегатами
	Records []*domain.ReconciliationRecord // Записи с расхождениями
}

// Service — интерфейс движка сверки.
type Service interface {
	// StartBatch создаёт батч сверки за дату по каналу.
	// Идемпотентен: повторный вызов возвращает существующий батч.
	StartBatch(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error)

	// RunBatch выполняет сверку батча: выгружает выписку канала,
	// сопоставляет с нашими платежами и сохраняет результат.
	// Перезапуск разрешён только для NOT_STARTED и FAILED батчей.
	RunBatch(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error)

	// RunRange создаёт и выполняет батчи за диапазон дат включительно.
	// Ошибки отдельных батчей логируются и не прерывают остальные.
	RunRange(ctx context.Context, from, to time.Time, channelID string) ([]*domain.ReconciliationBatch, error)

	// Resolve помечает расхождение разобранным.
	Resolve(ctx context.Context, recordID, solution, resolver string) (*domain.ReconciliationRecord, error)

	// GetReport возвращает отчёт по батчу: агрегаты и записи расхождений.
	GetReport(ctx context.Context, batchNo string) (*Report, error)

	// ExportCSV выгружает все записи батча в CSV.
	ExportCSV(ctx context.Context, batchNo string) ([]byte, error)
}

// =============================================================================
// Реализация
// =============================================================================

type reconService struct {
	reconRepo   repository.ReconciliationRepository
	paymentRepo repository.PaymentRepository
	registry    *channel.Registry
	outboxRepo  outbox.OutboxRepository
}

// NewService создаёт движок сверки.
func NewService(
	reconRepo repository.ReconciliationRepository,
	paymentRepo repository.PaymentRepository,
	registry *channel.Registry,
	outboxRepo outbox.OutboxRepository,
) Service {
	return &reconService{
		reconRepo:   reconRepo,
		paymentRepo: paymentRepo,
		registry:    registry,
		outboxRepo:  outboxRepo,
	}
}

// StartBatch создаёт батч или возвращает существующий.
func (s *reconService) StartBatch(ctx context.Context, date, channelID string) (*domain.ReconciliationBatch, error) {
	log := logger.Ctx(ctx)

	if !s.registry.Supports(channelID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channelID)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("некорректная дата сверки %q: %w", date, err)
	}

	if existing, err := s.reconRepo.GetBatch(ctx, date, channelID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrBatchNotFound) {
		return nil, err
	}

	batch := domain.NewReconciliationBatch(uuid.New().String(), date, channelID)
	if err := s.reconRepo.CreateBatch(ctx, batch); err != nil {
		// Гонка: батч создан параллельно, перечитываем
		if errors.Is(err, domain.ErrConcurrentModification) {
			return s.reconRepo.GetBatch(ctx, date, channelID)
		}
		return nil, fmt.Errorf("создание батча сверки: %w", err)
	}

	log.Info().
		Str("batch_no", batch.BatchNo).
		Str("date", date).
		Str("channel", channelID).
		Msg("Батч сверки создан")

	return batch, nil
}

// RunBatch выполняет сверку одного батча.
func (s *reconService) RunBatch(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error) {
	log := logger.Ctx(ctx)

	batch, err := s.reconRepo.GetBatchByNo(ctx, batchNo)
	if err != nil {
		return nil, err
	}

	if !batch.CanRun() {
		return nil, fmt.Errorf("%w: статус %s", domain.ErrBatchNotRunnable, batch.Status)
	}

	strategy, err := s.registry.Resolve(batch.Channel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	batch.Status = domain.BatchStatusRunning
	batch.StartedAt = &now
	// Переход гоняется с параллельным RunBatch по тому же батчу:
	// проигравший получает ErrBatchNotRunnable и не дублирует записи
	if err := s.reconRepo.MarkBatchRunning(ctx, batch); err != nil {
		return nil, fmt.Errorf("перевод батча в RUNNING: %w", err)
	}

	records, err := s.reconcile(ctx, batch, strategy)
	if err != nil {
		// Ошибка до сохранения: записи не пишутся, батч перезапускаем
		s.markFailed(ctx, batch)
		return nil, fmt.Errorf("сверка батча %s: %w", batchNo, err)
	}

	ended := time.Now()
	batch.Status = domain.BatchStatusCompleted
	batch.EndedAt = &ended

	if err := s.reconRepo.SaveResults(ctx, batch, records); err != nil {
		s.markFailed(ctx, batch)
		return nil, fmt.Errorf("сохранение результатов сверки: %w", err)
	}

	for _, r := range records {
		metrics.ReconRecordsTotal.WithLabelValues(batch.Channel, string(r.Outcome)).Inc()
	}

	s.publishCompleted(ctx, batch)

	log.Info().
		Str("batch_no", batch.BatchNo).
		Int("system", batch.SystemCount).
		Int("channel", batch.ChannelCount).
		Int("matched", batch.MatchedCount).
		Int("diff", batch.DiffCount).
		Msg("Сверка завершена")

	return batch, nil
}

// RunRange создаёт и выполняет батчи за диапазон дат.
func (s *reconService) RunRange(ctx context.Context, from, to time.Time, channelID string) ([]*domain.ReconciliationBatch, error) {
	log := logger.Ctx(ctx)

	if to.Before(from) {
		return nil, fmt.Errorf("некорректный диапазон сверки: %s после %s",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	var batches []*domain.ReconciliationBatch
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")

		batch, err := s.StartBatch(ctx, date, channelID)
		if err != nil {
			log.Error().Err(err).
				Str("date", date).
				Str("channel", channelID).
				Msg("Не удалось создать батч сверки")
			continue
		}

		if batch.CanRun() {
			if batch, err = s.RunBatch(ctx, batch.BatchNo); err != nil {
				log.Error().Err(err).
					Str("date", date).
					Str("channel", channelID).
					Msg("Сверка за дату завершилась ошибкой")
				continue
			}
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

// Resolve помечает расхождение разобранным.
func (s *reconService) Resolve(ctx context.Context, recordID, solution, resolver string) (*domain.ReconciliationRecord, error) {
	record, err := s.reconRepo.GetRecordByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	record.Resolve(solution, resolver, time.Now())
	if err := s.reconRepo.ResolveRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("разбор расхождения %s: %w", recordID, err)
	}

	logger.Ctx(ctx).Info().
		Str("record_id", recordID).
		Str("resolver", resolver).
		Msg("Расхождение разобрано")

	return record, nil
}

// GetReport возвращает агрегаты батча и записи расхождений.
func (s *reconService) GetReport(ctx context.Context, batchNo string) (*Report, error) {
	batch, err := s.reconRepo.GetBatchByNo(ctx, batchNo)
	if err != nil {
		return nil, err
	}

	var diffs []*domain.ReconciliationRecord
	for _, outcome := range []domain.ReconOutcome{
		domain.ReconAmountMismatch, domain.ReconSystemOnly, domain.ReconChannelOnly,
	} {
		records, err := s.reconRepo.ListRecords(ctx, batchNo, string(outcome))
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, records...)
	}

	return &Report{Batch: batch, Records: diffs}, nil
}

// ExportCSV выгружает все записи батча.
func (s *reconService) ExportCSV(ctx context.Context, batchNo string) ([]byte, error) {
	if _, err := s.reconRepo.GetBatchByNo(ctx, batchNo); err != nil {
		return nil, err
	}

	records, err := s.reconRepo.ListRecords(ctx, batchNo, "")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"batch_no", "payment_no", "order_no", "transaction_id",
		"system_amount", "channel_amount", "diff_amount", "outcome", "reason", "resolve_status"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("экспорт CSV: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.BatchNo,
			r.PaymentNo,
			r.OrderNo,
			r.TransactionID,
			r.SystemAmount.StringFixed(2),
			r.ChannelAmount.StringFixed(2),
			r.DiffAmount.StringFixed(2),
			string(r.Outcome),
			r.Reason,
			string(r.ResolveStatus),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("экспорт CSV: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("экспорт CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// =============================================================================
// Сопоставление
// =============================================================================

// reconcile выгружает обе стороны и классифицирует каждую транзакцию.
// Суммы сравниваются на точное равенство, допусков нет.
func (s *reconService) reconcile(ctx context.Context, batch *domain.ReconciliationBatch, strategy channel.Strategy) ([]*domain.ReconciliationRecord, error) {
	payments, err := s.paymentRepo.ListPaidByDateAndChannel(ctx, batch.Date, batch.Channel)
	if err != nil {
		return nil, fmt.Errorf("выборка платежей за %s: %w", batch.Date, err)
	}

	statements, err := strategy.DownloadSettlement(ctx, batch.Date)
	if err != nil {
		return nil, fmt.Errorf("выгрузка выписки канала %s: %w", batch.Channel, err)
	}

	byTxn := make(map[string]channel.SettlementRecord, len(statements))
	for _, st := range statements {
		byTxn[st.TransactionID] = st
	}

	batch.SystemCount = len(payments)
	batch.ChannelCount = len(statements)
	batch.SystemTotal = decimal.Zero
	batch.ChannelTotal = decimal.Zero
	batch.MatchedCount = 0
	batch.DiffCount = 0

	for _, st := range statements {
		batch.ChannelTotal = batch.ChannelTotal.Add(st.Amount)
	}

	var records []*domain.ReconciliationRecord

	for _, p := range payments {
		batch.SystemTotal = batch.SystemTotal.Add(p.Amount)

		record := &domain.ReconciliationRecord{
			ID:            uuid.New().String(),
			BatchNo:       batch.BatchNo,
			PaymentNo:     p.PaymentNo,
			OrderNo:       p.OrderNo,
			SystemAmount:  p.Amount,
			ResolveStatus: domain.ResolveUnresolved,
		}

		var txn string
		if p.TransactionID != nil {
			txn = *p.TransactionID
		}

		st, found := byTxn[txn]
		if txn == "" || !found {
			record.Outcome = domain.ReconSystemOnly
			record.TransactionID = txn
			record.ChannelAmount = decimal.Zero
			record.DiffAmount = p.Amount
			record.Reason = "платёж отсутствует в выписке канала"
			batch.DiffCount++
			records = append(records, record)
			continue
		}
		delete(byTxn, txn)

		record.TransactionID = txn
		record.ChannelAmount = st.Amount
		record.DiffAmount = p.Amount.Sub(st.Amount)

		if p.Amount.Equal(st.Amount) {
			record.Outcome = domain.ReconMatched
			batch.MatchedCount++
		} else {
			record.Outcome = domain.ReconAmountMismatch
			record.Reason = fmt.Sprintf("сумма в системе %s, у канала %s",
				p.Amount.StringFixed(2), st.Amount.StringFixed(2))
			batch.DiffCount++
		}
		records = append(records, record)
	}

	// Остаток выписки: транзакции, которых у нас нет
	for txn, st := range byTxn {
		records = append(records, &domain.ReconciliationRecord{
			ID:            uuid.New().String(),
			BatchNo:       batch.BatchNo,
			TransactionID: txn,
			OrderNo:       st.OrderNo,
			SystemAmount:  decimal.Zero,
			ChannelAmount: st.Amount,
			DiffAmount:    st.Amount.Neg(),
			Outcome:       domain.ReconChannelOnly,
			Reason:        "транзакция канала не найдена в системе",
			ResolveStatus: domain.ResolveUnresolved,
		})
		batch.DiffCount++
	}

	return records, nil
}

// markFailed переводит батч в FAILED без сохранения записей.
func (s *reconService) markFailed(ctx context.Context, batch *domain.ReconciliationBatch) {
	ended := time.Now()
	batch.Status = domain.BatchStatusFailed
	batch.EndedAt = &ended

	if err := s.reconRepo.UpdateBatch(ctx, batch); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("batch_no", batch.BatchNo).
			Msg("Не удалось пометить батч сверки как FAILED")
	}
}

// publishCompleted пишет событие завершённой сверки в outbox.
// Запись идёт отдельной транзакцией после SaveResults: потеря события
// не влияет на корректность сверки, потребители могут перечитать отчёт.
func (s *reconService) publishCompleted(ctx context.Context, batch *domain.ReconciliationBatch) {
	log := logger.Ctx(ctx)

	payload, err := json.Marshal(domain.ReconEvent{
		BatchNo:   batch.BatchNo,
		Date:      batch.Date,
		Channel:   batch.Channel,
		Matched:   batch.MatchedCount,
		DiffCount: batch.DiffCount,
		EndedAt:   *batch.EndedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("batch_no", batch.BatchNo).Msg("Сериализация события сверки")
		return
	}

	event := &outbox.Outbox{
		ID:            uuid.New().String(),
		AggregateType: "reconciliation",
		AggregateID:   batch.BatchNo,
		EventType:     domain.EventReconCompleted,
		Topic:         kafka.TopicReconEvents,
		MessageKey:    batch.BatchNo,
		Payload:       payload,
	}

	if err := s.outboxRepo.Create(ctx, event); err != nil {
		log.Error().Err(err).Str("batch_no", batch.BatchNo).Msg("Запись события сверки в outbox")
	}
}
