package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"example.com/payment-system/services/payment/internal/domain"
)

// ReconciliationRepository определяет интерфейс для работы с данными сверки.
type ReconciliationRepository interface {
	// CreateBatch создаёт батч сверки.
	// Пара (date, channel) уникальна: при гонке возвращается
	// domain.ErrConcurrentModification, вызывающий перечитывает существующий.
	CreateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error

	// GetBatch возвращает батч по дате и каналу.
	GetBatch(ctx context.Context, date, channel string) (*domain.ReconciliationBatch, error)

	// GetBatchByNo возвращает батч по номеру.
	GetBatchByNo(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error)

	// MarkBatchRunning переводит батч в RUNNING. Переход проходит только
	// из запускаемого статуса, иначе возвращается domain.ErrBatchNotRunnable:
	// так конкурентный запуск не породит дублей записей.
	MarkBatchRunning(ctx context.Context, batch *domain.ReconciliationBatch) error

	// UpdateBatch обновляет статус и агрегаты батча.
	UpdateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error

	// SaveResults в одной транзакции сохраняет записи сверки и
	// финальные агрегаты батча.
	SaveResults(ctx context.Context, batch *domain.ReconciliationBatch, records []*domain.ReconciliationRecord) error

	// ListRecords возвращает записи батча с фильтром по результату.
	ListRecords(ctx context.Context, batchNo, outcome string) ([]*domain.ReconciliationRecord, error)

	// GetRecordByID возвращает запись сверки по ID.
	GetRecordByID(ctx context.Context, recordID string) (*domain.ReconciliationRecord, error)

	// ResolveRecord помечает расхождение разобранным.
	ResolveRecord(ctx context.Context, record *domain.ReconciliationRecord) error
}

// =============================================================================
// GORM модели
// =============================================================================

// ReconBatchModel — GORM модель для таблицы reconciliation_batches.
type ReconBatchModel struct {
	ID           string          `gorm:"column:id;type:varchar(36);primaryKey"`
	BatchNo      string          `gorm:"column:batch_no;type:varchar(48);not null;uniqueIndex"`
	Date         string          `gorm:"column:date;type:varchar(10);not null;uniqueIndex:idx_date_channel"`
	Channel      string          `gorm:"column:channel;type:varchar(32);not null;uniqueIndex:idx_date_channel"`
	Status       string          `gorm:"column:status;type:varchar(20);not null"`
	SystemCount  int             `gorm:"column:system_count;not null;default:0"`
	SystemTotal  decimal.Decimal `gorm:"column:system_total;type:decimal(14,2);not null"`
	ChannelCount int             `gorm:"column:channel_count;not null;default:0"`
	ChannelTotal decimal.Decimal `gorm:"column:channel_total;type:decimal(14,2);not null"`
	MatchedCount int             `gorm:"column:matched_count;not null;default:0"`
	DiffCount    int             `gorm:"column:diff_count;not null;default:0"`
	StartedAt    *time.Time      `gorm:"column:started_at"`
	EndedAt      *time.Time      `gorm:"column:ended_at"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (ReconBatchModel) TableName() string {
	return "reconciliation_batches"
}

func (m *ReconBatchModel) toDomain() *domain.ReconciliationBatch {
	return &domain.ReconciliationBatch{
		ID:           m.ID,
		BatchNo:      m.BatchNo,
		Date:         m.Date,
		Channel:      m.Channel,
		Status:       domain.BatchStatus(m.Status),
		SystemCount:  m.SystemCount,
		SystemTotal:  m.SystemTotal,
		ChannelCount: m.ChannelCount,
		ChannelTotal: m.ChannelTotal,
		MatchedCount: m.MatchedCount,
		DiffCount:    m.DiffCount,
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func batchModelFromDomain(b *domain.ReconciliationBatch) *ReconBatchModel {
	return &ReconBatchModel{
		ID:           b.ID,
		BatchNo:      b.BatchNo,
		Date:         b.Date,
		Channel:      b.Channel,
		Status:       string(b.Status),
		SystemCount:  b.SystemCount,
		SystemTotal:  b.SystemTotal,
		ChannelCount: b.ChannelCount,
		ChannelTotal: b.ChannelTotal,
		MatchedCount: b.MatchedCount,
		DiffCount:    b.DiffCount,
		StartedAt:    b.StartedAt,
		EndedAt:      b.EndedAt,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

// ReconRecordModel — GORM модель для таблицы reconciliation_records.
type ReconRecordModel struct {
	ID            string           `gorm:"column:id;type:varchar(36);primaryKey"`
	BatchNo       string           `gorm:"column:batch_no;type:varchar(48);not null;index"`
	PaymentNo     string           `gorm:"column:payment_no;type:varchar(32)"`
	TransactionID string           `gorm:"column:transaction_id;type:varchar(64)"`
	OrderNo       string           `gorm:"column:order_no;type:varchar(64)"`
	SystemAmount  decimal.Decimal  `gorm:"column:system_amount;type:decimal(12,2);not null"`
	ChannelAmount decimal.Decimal  `gorm:"column:channel_amount;type:decimal(12,2);not null"`
	DiffAmount    decimal.Decimal  `gorm:"column:diff_amount;type:decimal(12,2);not null"`
	Outcome       string           `gorm:"column:outcome;type:varchar(20);not null;index"`
	Reason        string           `gorm:"column:reason;type:varchar(255)"`
	ResolveStatus string           `gorm:"column:resolve_status;type:varchar(20);not null"`
	Solution      *string          `gorm:"column:solution;type:text"`
	Resolver      *string          `gorm:"column:resolver;type:varchar(64)"`
	ResolvedAt    *time.Time       `gorm:"column:resolved_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (ReconRecordModel) TableName() string {
	return "reconciliation_records"
}

func (m *ReconRecordModel) toDomain() *domain.ReconciliationRecord {
	return &domain.ReconciliationRecord{
		ID:            m.ID,
		BatchNo:       m.BatchNo,
		PaymentNo:     m.PaymentNo,
		TransactionID: m.TransactionID,
		OrderNo:       m.OrderNo,
		SystemAmount:  m.SystemAmount,
		ChannelAmount: m.ChannelAmount,
		DiffAmount:    m.DiffAmount,
		Outcome:       domain.ReconOutcome(m.Outcome),
		Reason:        m.Reason,
		ResolveStatus: domain.ResolveStatus(m.ResolveStatus),
		Solution:      m.Solution,
		Resolver:      m.Resolver,
		ResolvedAt:    m.ResolvedAt,
		CreatedAt:     m.CreatedAt,
	}
}

func recordModelFromDomain(r *domain.ReconciliationRecord) *ReconRecordModel {
	return &ReconRecordModel{
		ID:            r.ID,
		BatchNo:       r.BatchNo,
		PaymentNo:     r.PaymentNo,
		TransactionID: r.TransactionID,
		OrderNo:       r.OrderNo,
		SystemAmount:  r.SystemAmount,
		ChannelAmount: r.ChannelAmount,
		DiffAmount:    r.DiffAmount,
		Outcome:       string(r.Outcome),
		Reason:        r.Reason,
		ResolveStatus: string(r.ResolveStatus),
		Solution:      r.Solution,
		Resolver:      r.Resolver,
		ResolvedAt:    r.ResolvedAt,
		CreatedAt:     r.CreatedAt,
	}
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// reconciliationRepository — GORM реализация ReconciliationRepository.
type reconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository создаёт новый репозиторий сверки.
func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

// CreateBatch создаёт батч сверки.
func (r *reconciliationRepository) CreateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error {
	model := batchModelFromDomain(batch)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrConcurrentModification
		}
		return err
	}

	batch.CreatedAt = model.CreatedAt
	batch.UpdatedAt = model.UpdatedAt
	return nil
}

// GetBatch возвращает батч по дате и каналу.
func (r *reconciliationRepository) GetBatch(ctx context.Context, date, channel string) (*domain.ReconciliationBatch, error) {
	var model ReconBatchModel

	if err := r.db.WithContext(ctx).
		Where("date = ? AND channel = ?", date, channel).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// GetBatchByNo возвращает батч по номеру.
func (r *reconciliationRepository) GetBatchByNo(ctx context.Context, batchNo string) (*domain.ReconciliationBatch, error) {
	var model ReconBatchModel

	if err := r.db.WithContext(ctx).
		Where("batch_no = ?", batchNo).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// MarkBatchRunning переводит батч в RUNNING с проверкой исходного статуса.
func (r *reconciliationRepository) MarkBatchRunning(ctx context.Context, batch *domain.ReconciliationBatch) error {
	model := batchModelFromDomain(batch)
	model.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).
		Model(&ReconBatchModel{}).
		Where("id = ? AND status IN ?", model.ID, []string{
			string(domain.BatchStatusNotStarted),
			string(domain.BatchStatusFailed),
		}).
		Updates(map[string]interface{}{
			"status":     string(domain.BatchStatusRunning),
			"started_at": model.StartedAt,
			"updated_at": model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBatchNotRunnable
	}

	return nil
}

// UpdateBatch обновляет статус и агрегаты батча.
func (r *reconciliationRepository) UpdateBatch(ctx context.Context, batch *domain.ReconciliationBatch) error {
	model := batchModelFromDomain(batch)
	model.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).
		Model(&ReconBatchModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]interface{}{
			"status":        model.Status,
			"system_count":  model.SystemCount,
			"system_total":  model.SystemTotal,
			"channel_count": model.ChannelCount,
			"channel_total": model.ChannelTotal,
			"matched_count": model.MatchedCount,
			"diff_count":    model.DiffCount,
			"started_at":    model.StartedAt,
			"ended_at":      model.EndedAt,
			"updated_at":    model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBatchNotFound
	}

	return nil
}

// SaveResults сохраняет записи и агрегаты батча в одной транзакции.
// Либо всё сохранилось, либо батч остаётся перезапускаемым.
func (r *reconciliationRepository) SaveResults(ctx context.Context, batch *domain.ReconciliationBatch, records []*domain.ReconciliationRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			models := make([]*ReconRecordModel, 0, len(records))
			for _, rec := range records {
				models = append(models, recordModelFromDomain(rec))
			}
			if err := tx.CreateInBatches(models, 200).Error; err != nil {
				return err
			}
		}

		model := batchModelFromDomain(batch)
		model.UpdatedAt = time.Now()

		return tx.Model(&ReconBatchModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]interface{}{
				"status":        model.Status,
				"system_count":  model.SystemCount,
				"system_total":  model.SystemTotal,
				"channel_count": model.ChannelCount,
				"channel_total": model.ChannelTotal,
				"matched_count": model.MatchedCount,
				"diff_count":    model.DiffCount,
				"ended_at":      model.EndedAt,
				"updated_at":    model.UpdatedAt,
			}).Error
	})
}

// ListRecords возвращает записи батча с фильтром по результату.
func (r *reconciliationRepository) ListRecords(ctx context.Context, batchNo, outcome string) ([]*domain.ReconciliationRecord, error) {
	query := r.db.WithContext(ctx).
		Where("batch_no = ?", batchNo)

	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}

	var models []ReconRecordModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]*domain.ReconciliationRecord, 0, len(models))
	for _, m := range models {
		records = append(records, m.toDomain())
	}

	return records, nil
}

// GetRecordByID возвращает запись сверки по ID.
func (r *reconciliationRepository) GetRecordByID(ctx context.Context, recordID string) (*domain.ReconciliationRecord, error) {
	var model ReconRecordModel

	if err := r.db.WithContext(ctx).
		Where("id = ?", recordID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// ResolveRecord помечает расхождение разобранным.
func (r *reconciliationRepository) ResolveRecord(ctx context.Context, record *domain.ReconciliationRecord) error {
	result := r.db.WithContext(ctx).
		Model(&ReconRecordModel{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"resolve_status": string(record.ResolveStatus),
			"solution":       record.Solution,
			"resolver":       record.Resolver,
			"resolved_at":    record.ResolvedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRecordNotFound
	}

	return nil
}
