package channel

import (
	"context"
	"testing"

	"github.com/stripe/stripe-go/v72"
	"github.com/stretchr/testify/assert"
)

func TestMapStripeStatus(t *testing.T) {
	tests := []struct {
		status   stripe.PaymentIntentStatus
		expected StatusCode
	}{
		{stripe.PaymentIntentStatusSucceeded, StatusPaid},
		{stripe.PaymentIntentStatusCanceled, StatusCancelled},
		{stripe.PaymentIntentStatusProcessing, StatusWaiting},
		{stripe.PaymentIntentStatusRequiresAction, StatusWaiting},
		{stripe.PaymentIntentStatusRequiresConfirmation, StatusWaiting},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, StatusWaiting},
		{stripe.PaymentIntentStatus("some_future_status"), StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, mapStripeStatus(tt.status))
		})
	}
}

func TestSettlementRecordFromBalanceTxn(t *testing.T) {
	t.Run("source разворачивается до payment intent", func(t *testing.T) {
		bt := &stripe.BalanceTransaction{
			Amount:  50000,
			Created: 1736930400,
			Source: &stripe.BalanceTransactionSource{
				ID: "ch_3abc",
				Charge: &stripe.Charge{
					PaymentIntent: &stripe.PaymentIntent{ID: "pi_3abc"},
					Metadata:      map[string]string{"order_no": "ORD-ST-042"},
				},
			},
		}

		rec := settlementRecordFromBalanceTxn(bt)

		assert.Equal(t, "pi_3abc", rec.TransactionID)
		assert.Equal(t, "ORD-ST-042", rec.OrderNo)
		assert.Equal(t, "500", rec.Amount.String())
		assert.Equal(t, StatusPaid, rec.Status)
	})

	t.Run("без развёрнутого charge остаётся id источника", func(t *testing.T) {
		bt := &stripe.BalanceTransaction{
			Amount: 1000,
			Source: &stripe.BalanceTransactionSource{ID: "ch_3def"},
		}

		rec := settlementRecordFromBalanceTxn(bt)

		assert.Equal(t, "ch_3def", rec.TransactionID)
		assert.Empty(t, rec.OrderNo)
	})
}

func TestStripe_ProcessCallback(t *testing.T) {
	s := NewStripeStrategy("sk_test_xxx", "whsec_test")

	t.Run("вебхук без подписи", func(t *testing.T) {
		ok := s.ProcessCallback(context.Background(), Notification{
			OrderNo: "ORD-ST-001",
			RawBody: []byte(`{"type":"payment_intent.succeeded"}`),
			Headers: map[string]string{},
		})

		assert.False(t, ok)
	})

	t.Run("вебхук с битой подписью", func(t *testing.T) {
		ok := s.ProcessCallback(context.Background(), Notification{
			OrderNo: "ORD-ST-001",
			RawBody: []byte(`{"type":"payment_intent.succeeded"}`),
			Headers: map[string]string{"Stripe-Signature": "t=123,v1=deadbeef"},
		})

		assert.False(t, ok)
	})
}
