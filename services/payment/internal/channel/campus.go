package channel

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/client"
	"example.com/payment-system/services/payment/internal/domain"
)

// CampusCardStrategy — оплата кампусной картой.
// Той же формы, что и баланс: синхронное списание через сервис-партнёр.
type CampusCardStrategy struct {
	account client.AccountClient
}

// NewCampusCardStrategy создаёт стратегию оплаты кампусной картой.
func NewCampusCardStrategy(account client.AccountClient) *CampusCardStrategy {
	return &CampusCardStrategy{account: account}
}

func (s *CampusCardStrategy) Channel() string { return ChannelCampusCard }

func (s *CampusCardStrategy) DisplayName() string { return "Кампусная карта" }

// Init списывает средства с кампусной карты.
func (s *CampusCardStrategy) Init(ctx context.Context, payment *domain.Payment) (LaunchParams, error) {
	sufficient, err := s.account.Check(ctx, payment.UserID, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("проверка кампусной карты: %w", err)
	}
	if !sufficient {
		return nil, fmt.Errorf("%w: недостаточно средств на карте", domain.ErrChannelUnavailable)
	}

	txn, err := s.account.Deduct(ctx, payment.UserID, payment.OrderNo, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("списание с кампусной карты: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("order_no", payment.OrderNo).
		Str("transaction_id", txn).
		Msg("Платёж кампусной картой выполнен")

	return LaunchParams{
		"channel":          ChannelCampusCard,
		ParamPaid:          true,
		ParamTransactionID: txn,
	}, nil
}

// ProcessCallback для синхронного канала не используется.
func (s *CampusCardStrategy) ProcessCallback(ctx context.Context, n Notification) bool {
	logger.Ctx(ctx).Warn().
		Str("order_no", n.OrderNo).
		Msg("Уведомление для канала кампусной карты отклонено")
	return false
}

// QueryStatus возвращает статус по локальному состоянию платежа.
func (s *CampusCardStrategy) QueryStatus(_ context.Context, payment *domain.Payment) (StatusCode, error) {
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

// Refund возвращает средства на кампусную карту.
func (s *CampusCardStrategy) Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error) {
	if err := s.account.Credit(ctx, payment.UserID, refundNo, amount); err != nil {
		if client.IsBusinessError(err) {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("refund_no", refundNo).
				Msg("Сервис кампусных карт отклонил возврат")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DownloadSettlement для внутреннего канала не применим.
func (s *CampusCardStrategy) DownloadSettlement(context.Context, string) ([]SettlementRecord, error) {
	return nil, nil
}

// ValidateParams проверяет параметры запроса оплаты картой.
// Требуется номер карты.
func (s *CampusCardStrategy) ValidateParams(params map[string]any) bool {
	cardNo, ok := params["card_no"].(string)
	return ok && cardNo != ""
}
