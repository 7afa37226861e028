// Package repository содержит реализацию доступа к данным платёжного сервиса.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"example.com/payment-system/pkg/outbox"
	"example.com/payment-system/services/payment/internal/domain"
)

// PaymentRepository определяет интерфейс для работы с платежами в БД.
type PaymentRepository interface {
	// Create создаёт новый платёж.
	Create(ctx context.Context, payment *domain.Payment) error

	// GetByID возвращает платёж по ID.
	GetByID(ctx context.Context, paymentID string) (*domain.Payment, error)

	// GetByOrderNo возвращает платёж по номеру заказа (для идемпотентности).
	GetByOrderNo(ctx context.Context, orderNo string) (*domain.Payment, error)

	// MarkPaidOptimistic подтверждает оплату с оптимистической блокировкой.
	// Обновление проходит только если version и статус PENDING не изменились,
	// иначе возвращается domain.ErrConcurrentModification.
	MarkPaidOptimistic(ctx context.Context, payment *domain.Payment) error

	// UpdateStatus обновляет статус платежа с оптимистической блокировкой
	// по версии. При устаревшей копии возвращает domain.ErrConcurrentModification.
	UpdateStatus(ctx context.Context, payment *domain.Payment) error

	// MarkPaidWithEvent атомарно подтверждает оплату и пишет событие
	// в outbox. Это решает проблему dual write: состояние и событие
	// фиксируются одной транзакцией.
	MarkPaidWithEvent(ctx context.Context, payment *domain.Payment, event *outbox.Outbox) error

	// UpdateStatusWithEvent атомарно обновляет статус и пишет событие в outbox.
	UpdateStatusWithEvent(ctx context.Context, payment *domain.Payment, event *outbox.Outbox) error

	// List возвращает страницу платежей с фильтрами и общее количество.
	List(ctx context.Context, filter ListFilter) ([]*domain.Payment, int64, error)

	// ListPaidByDateAndChannel возвращает оплаченные и возвращённые платежи
	// за дату по каналу (для сверки).
	ListPaidByDateAndChannel(ctx context.Context, date, channel string) ([]*domain.Payment, error)

	// GetStuckPending возвращает платежи в статусе PENDING старше указанного времени.
	GetStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Payment, error)
}

// ListFilter — фильтры постраничного списка платежей.
type ListFilter struct {
	UserID  string
	Channel string
	Status  string
	Page    int
	Size    int
}

// =============================================================================
// GORM модель
// =============================================================================

// PaymentModel — GORM модель для таблицы payments.
type PaymentModel struct {
	ID            string           `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentNo     string           `gorm:"column:payment_no;type:varchar(32);not null;uniqueIndex"`
	OrderNo       string           `gorm:"column:order_no;type:varchar(64);not null;uniqueIndex"`
	UserID        string           `gorm:"column:user_id;type:varchar(36);not null;index"`
	Channel       string           `gorm:"column:channel;type:varchar(32);not null;index"`
	Amount        decimal.Decimal  `gorm:"column:amount;type:decimal(12,2);not null"`
	Status        string           `gorm:"column:status;type:varchar(20);not null;index"`
	TransactionID *string          `gorm:"column:transaction_id;type:varchar(64)"`
	RefundNo      *string          `gorm:"column:refund_no;type:varchar(32)"`
	RefundAmount  *decimal.Decimal `gorm:"column:refund_amount;type:decimal(12,2)"`
	ClientIP      string           `gorm:"column:client_ip;type:varchar(45)"`
	Version       int              `gorm:"column:version;not null;default:0"`
	PaidAt        *time.Time       `gorm:"column:paid_at"`
	RefundedAt    *time.Time       `gorm:"column:refunded_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (PaymentModel) TableName() string {
	return "payments"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *PaymentModel) toDomain() *domain.Payment {
	return &domain.Payment{
		ID:            m.ID,
		PaymentNo:     m.PaymentNo,
		OrderNo:       m.OrderNo,
		UserID:        m.UserID,
		Channel:       m.Channel,
		Amount:        m.Amount,
		Status:        domain.PaymentStatus(m.Status),
		TransactionID: m.TransactionID,
		RefundNo:      m.RefundNo,
		RefundAmount:  m.RefundAmount,
		ClientIP:      m.ClientIP,
		Version:       m.Version,
		PaidAt:        m.PaidAt,
		RefundedAt:    m.RefundedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// paymentModelFromDomain конвертирует доменную сущность в GORM модель.
func paymentModelFromDomain(p *domain.Payment) *PaymentModel {
	return &PaymentModel{
		ID:            p.ID,
		PaymentNo:     p.PaymentNo,
		OrderNo:       p.OrderNo,
		UserID:        p.UserID,
		Channel:       p.Channel,
		Amount:        p.Amount,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		RefundNo:      p.RefundNo,
		RefundAmount:  p.RefundAmount,
		ClientIP:      p.ClientIP,
		Version:       p.Version,
		PaidAt:        p.PaidAt,
		RefundedAt:    p.RefundedAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// paymentRepository — GORM реализация PaymentRepository.
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository создаёт новый репозиторий платежей.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create создаёт новый платёж.
func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	model := paymentModelFromDomain(payment)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		// Уникальный индекс по order_no: гонка двух создателей
		if isDuplicateKeyError(err) {
			return domain.ErrConcurrentModification
		}
		return err
	}

	payment.CreatedAt = model.CreatedAt
	payment.UpdatedAt = model.UpdatedAt

	return nil
}

// GetByID возвращает платёж по ID.
func (r *paymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	var model PaymentModel

	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// GetByOrderNo возвращает платёж по номеру заказа.
func (r *paymentRepository) GetByOrderNo(ctx context.Context, orderNo string) (*domain.Payment, error) {
	var model PaymentModel

	if err := r.db.WithContext(ctx).
		Where("order_no = ?", orderNo).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// MarkPaidOptimistic подтверждает оплату с оптимистической блокировкой.
func (r *paymentRepository) MarkPaidOptimistic(ctx context.Context, payment *domain.Payment) error {
	return markPaidTx(r.db.WithContext(ctx), payment)
}

// MarkPaidWithEvent атомарно подтверждает оплату и пишет событие в outbox.
func (r *paymentRepository) MarkPaidWithEvent(ctx context.Context, payment *domain.Payment, event *outbox.Outbox) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markPaidTx(tx, payment); err != nil {
			return err
		}
		return tx.Create(outbox.ModelFromDomain(event)).Error
	})
}

// UpdateStatusWithEvent атомарно обновляет статус и пишет событие в outbox.
func (r *paymentRepository) UpdateStatusWithEvent(ctx context.Context, payment *domain.Payment, event *outbox.Outbox) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateStatusTx(tx, payment); err != nil {
			return err
		}
		return tx.Create(outbox.ModelFromDomain(event)).Error
	})
}

// markPaidTx выполняет оптимистичное подтверждение оплаты в рамках tx.
// Условие WHERE проверяет прежнюю версию и статус PENDING: платёж,
// изменённый параллельной операцией, не затрагивается.
func markPaidTx(tx *gorm.DB, payment *domain.Payment) error {
	model := paymentModelFromDomain(payment)
	model.UpdatedAt = time.Now()

	result := tx.
		Model(&PaymentModel{}).
		Where("id = ? AND version = ? AND status = ?",
			model.ID, model.Version-1, string(domain.PaymentStatusPending)).
		Updates(map[string]interface{}{
			"status":         model.Status,
			"transaction_id": model.TransactionID,
			"paid_at":        model.PaidAt,
			"version":        model.Version,
			"updated_at":     model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}

	payment.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateStatus обновляет статус платежа.
func (r *paymentRepository) UpdateStatus(ctx context.Context, payment *domain.Payment) error {
	return updateStatusTx(r.db.WithContext(ctx), payment)
}

func updateStatusTx(tx *gorm.DB, payment *domain.Payment) error {
	model := paymentModelFromDomain(payment)
	model.UpdatedAt = time.Now()

	// Каждая зафиксированная запись инкрементирует version, поэтому
	// предикат по версии отсекает запись по устаревшей копии
	result := tx.
		Model(&PaymentModel{}).
		Where("id = ? AND version = ?", model.ID, model.Version).
		Updates(map[string]interface{}{
			"status":        model.Status,
			"refund_no":     model.RefundNo,
			"refund_amount": model.RefundAmount,
			"refunded_at":   model.RefundedAt,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}

	payment.Version++
	payment.UpdatedAt = model.UpdatedAt
	return nil
}

// List возвращает страницу платежей с фильтрами.
func (r *paymentRepository) List(ctx context.Context, filter ListFilter) ([]*domain.Payment, int64, error) {
	query := r.db.WithContext(ctx).Model(&PaymentModel{})

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Channel != "" {
		query = query.Where("channel = ?", filter.Channel)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []PaymentModel
	offset := (filter.Page - 1) * filter.Size
	if err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(filter.Size).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}

	payments := make([]*domain.Payment, 0, len(models))
	for _, m := range models {
		payments = append(payments, m.toDomain())
	}

	return payments, total, nil
}

// ListPaidByDateAndChannel возвращает оплаченные и возвращённые платежи за дату.
func (r *paymentRepository) ListPaidByDateAndChannel(ctx context.Context, date, channel string) ([]*domain.Payment, error) {
	var models []PaymentModel

	if err := r.db.WithContext(ctx).
		Where("channel = ? AND DATE(paid_at) = ? AND status IN ?",
			channel, date,
			[]string{string(domain.PaymentStatusPaid), string(domain.PaymentStatusRefunded)}).
		Order("paid_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	payments := make([]*domain.Payment, 0, len(models))
	for _, m := range models {
		payments = append(payments, m.toDomain())
	}

	return payments, nil
}

// GetStuckPending возвращает платежи в статусе PENDING старше указанного времени.
// Фоновый обходчик закрывает их или дотягивает статус из канала.
func (r *paymentRepository) GetStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Payment, error) {
	var models []PaymentModel

	threshold := time.Now().Add(-olderThan)

	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.PaymentStatusPending), threshold).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	payments := make([]*domain.Payment, 0, len(models))
	for _, m := range models {
		payments = append(payments, m.toDomain())
	}

	return payments, nil
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
