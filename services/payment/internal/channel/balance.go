package channel

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/client"
	"example.com/payment-system/services/payment/internal/domain"
)

// BalanceStrategy — оплата с внутреннего баланса пользователя.
// Канал синхронный: списание в Init и есть факт оплаты, уведомлений
// от него не бывает. Сервис счёта авторитетен и идемпотентен по orderNo.
type BalanceStrategy struct {
	account client.AccountClient
}

// NewBalanceStrategy создаёт стратегию оплаты с баланса.
func NewBalanceStrategy(account client.AccountClient) *BalanceStrategy {
	return &BalanceStrategy{account: account}
}

// Channel возвращает идентификатор канала.
func (s *BalanceStrategy) Channel() string { return ChannelBalance }

// DisplayName возвращает отображаемое название канала.
func (s *BalanceStrategy) DisplayName() string { return "Баланс" }

// Init проверяет достаточность средств и списывает их.
func (s *BalanceStrategy) Init(ctx context.Context, payment *domain.Payment) (LaunchParams, error) {
	sufficient, err := s.account.Check(ctx, payment.UserID, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("проверка баланса: %w", err)
	}
	if !sufficient {
		return nil, fmt.Errorf("%w: недостаточно средств на балансе", domain.ErrChannelUnavailable)
	}

	txn, err := s.account.Deduct(ctx, payment.UserID, payment.OrderNo, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("списание с баланса: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("order_no", payment.OrderNo).
		Str("transaction_id", txn).
		Msg("Платёж с баланса выполнен")

	return LaunchParams{
		"channel":           ChannelBalance,
		"requires_password": true,
		ParamPaid:           true,
		ParamTransactionID:  txn,
	}, nil
}

// ProcessCallback для синхронного канала не используется.
// Любое пришедшее уведомление считается поддельным.
func (s *BalanceStrategy) ProcessCallback(ctx context.Context, n Notification) bool {
	logger.Ctx(ctx).Warn().
		Str("order_no", n.OrderNo).
		Msg("Уведомление для синхронного канала баланса отклонено")
	return false
}

// QueryStatus возвращает статус по локальному состоянию платежа:
// удалённого состояния у канала нет.
func (s *BalanceStrategy) QueryStatus(_ context.Context, payment *domain.Payment) (StatusCode, error) {
	switch payment.Status {
	case domain.PaymentStatusPaid:
		return StatusPaid, nil
	case domain.PaymentStatusRefunded:
		return StatusRefunded, nil
	case domain.PaymentStatusClosed:
		return StatusClosed, nil
	case domain.PaymentStatusFailed:
		return StatusFailed, nil
	default:
		return StatusWaiting, nil
	}
}

// Refund возвращает средства на баланс.
func (s *BalanceStrategy) Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error) {
	if err := s.account.Credit(ctx, payment.UserID, refundNo, amount); err != nil {
		if client.IsBusinessError(err) {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("refund_no", refundNo).
				Msg("Сервис баланса отклонил возврат")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DownloadSettlement для внутреннего канала не применим.
func (s *BalanceStrategy) DownloadSettlement(context.Context, string) ([]SettlementRecord, error) {
	return nil, nil
}

// ValidateParams проверяет параметры запроса оплаты с баланса.
func (s *BalanceStrategy) ValidateParams(map[string]any) bool {
	return true
}
