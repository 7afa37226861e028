package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	stripeclient "github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/domain"
)

// StripeStrategy — оплата картой через Stripe.
// Init создаёт PaymentIntent, факт оплаты приходит вебхуком
// payment_intent.succeeded с подписью в заголовке Stripe-Signature.
type StripeStrategy struct {
	api           *stripeclient.API
	webhookSecret string
}

// NewStripeStrategy создаёт стратегию Stripe.
func NewStripeStrategy(apiKey, webhookSecret string) *StripeStrategy {
	api := &stripeclient.API{}
	api.Init(apiKey, nil)
	return &StripeStrategy{api: api, webhookSecret: webhookSecret}
}

func (s *StripeStrategy) Channel() string { return ChannelStripe }

func (s *StripeStrategy) DisplayName() string { return "Банковская карта (Stripe)" }

// Init создаёт PaymentIntent и возвращает client_secret для фронтенда.
// Stripe принимает сумму в минорных единицах.
func (s *StripeStrategy) Init(ctx context.Context, payment *domain.Payment) (LaunchParams, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"order_no":   payment.OrderNo,
				"payment_no": payment.PaymentNo,
			},
		},
		Amount:   stripe.Int64(payment.Amount.Shift(2).IntPart()),
		Currency: stripe.String(string(stripe.CurrencyRUB)),
	}

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: создание PaymentIntent: %v", domain.ErrChannelUnavailable, err)
	}

	logger.Ctx(ctx).Info().
		Str("order_no", payment.OrderNo).
		Str("intent_id", intent.ID).
		Msg("PaymentIntent создан")

	return LaunchParams{
		"channel":          ChannelStripe,
		"intent_id":        intent.ID,
		ParamClientSecret: intent.ClientSecret,
	}, nil
}

// ProcessCallback проверяет подпись вебхука.
// Подпись считается по исходному телу, поэтому тело передаётся как есть.
func (s *StripeStrategy) ProcessCallback(ctx context.Context, n Notification) bool {
	sig := n.Headers["Stripe-Signature"]
	if sig == "" {
		logger.Ctx(ctx).Warn().
			Str("order_no", n.OrderNo).
			Msg("Вебхук Stripe без подписи")
		return false
	}

	if _, err := webhook.ConstructEvent(n.RawBody, sig, s.webhookSecret); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("order_no", n.OrderNo).
			Msg("Подпись вебхука Stripe не прошла проверку")
		return false
	}

	return true
}

// QueryStatus запрашивает PaymentIntent и нормализует его статус.
func (s *StripeStrategy) QueryStatus(ctx context.Context, payment *domain.Payment) (StatusCode, error) {
	if payment.TransactionID == nil {
		return StatusWaiting, nil
	}

	intent, err := s.api.PaymentIntents.Get(*payment.TransactionID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: запрос PaymentIntent: %v", domain.ErrChannelUnavailable, err)
	}

	return mapStripeStatus(intent.Status), nil
}

// Refund выполняет возврат через Refunds API.
func (s *StripeStrategy) Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error) {
	if payment.TransactionID == nil {
		return false, domain.ErrNotPaid
	}

	_, err := s.api.Refunds.New(&stripe.RefundParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: map[string]string{"refund_no": refundNo},
		},
		PaymentIntent: payment.TransactionID,
		Amount:        stripe.Int64(amount.Shift(2).IntPart()),
	})
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode < 500 {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("refund_no", refundNo).
				Msg("Stripe отклонил возврат")
			return false, nil
		}
		return false, fmt.Errorf("%w: возврат Stripe: %v", domain.ErrChannelUnavailable, err)
	}

	return true, nil
}

// DownloadSettlement выгружает balance transactions за сутки.
func (s *StripeStrategy) DownloadSettlement(ctx context.Context, date string) ([]SettlementRecord, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("некорректная дата выписки %q: %w", date, err)
	}

	params := &stripe.BalanceTransactionListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Type:       stripe.String("charge"),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: day.Unix(),
			LesserThan:         day.Add(24 * time.Hour).Unix(),
		},
	}
	params.AddExpand("data.source")

	var records []SettlementRecord
	iter := s.api.BalanceTransaction.List(params)
	for iter.Next() {
		records = append(records, settlementRecordFromBalanceTxn(iter.BalanceTransaction()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: выгрузка выписки Stripe: %v", domain.ErrChannelUnavailable, err)
	}

	return records, nil
}

// settlementRecordFromBalanceTxn собирает строку выписки.
// Платежи хранят payment intent id, а source у balance transaction
// указывает на charge. Разворачиваем до intent, иначе строка выписки
// не сойдётся ни с одним платежом.
func settlementRecordFromBalanceTxn(bt *stripe.BalanceTransaction) SettlementRecord {
	var txnID, orderNo string
	if bt.Source != nil {
		txnID = bt.Source.ID
		if ch := bt.Source.Charge; ch != nil {
			if ch.PaymentIntent != nil {
				txnID = ch.PaymentIntent.ID
			}
			orderNo = ch.Metadata["order_no"]
		}
	}
	return SettlementRecord{
		OrderNo:       orderNo,
		TransactionID: txnID,
		Amount:        decimal.New(bt.Amount, -2),
		Status:        StatusPaid,
		PaidAt:        time.Unix(bt.Created, 0),
	}
}

// ValidateParams проверяет канало-специфичные параметры.
// Для Stripe от клиента ничего не требуется: всё делает фронтенд SDK.
func (s *StripeStrategy) ValidateParams(map[string]any) bool {
	return true
}

// mapStripeStatus нормализует словарь статусов PaymentIntent.
func mapStripeStatus(st stripe.PaymentIntentStatus) StatusCode {
	switch st {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusPaid
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresCapture:
		return StatusWaiting
	default:
		return StatusUnknown
	}
}
