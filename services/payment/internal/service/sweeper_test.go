package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/domain"
)

// ageStoredPayment сдвигает время создания платежа в прошлое.
func ageStoredPayment(env *testEnv, paymentID string, age time.Duration) {
	env.repo.mu.Lock()
	defer env.repo.mu.Unlock()
	env.repo.payments[paymentID].CreatedAt = time.Now().Add(-age)
}

func TestStuckSweeper_ConfirmsStuckPayment(t *testing.T) {
	env := setupService(t)

	payment, err := env.svc.CreatePayment(context.Background(), createReq("order-stuck-1"))
	require.NoError(t, err)

	// Коллбэк не дошёл, платёж завис в PENDING, канал подтверждает оплату
	ageStoredPayment(env, payment.ID, time.Hour)
	env.strategy.status = channel.StatusPaid

	sweeper := NewStuckSweeper(env.svc, env.repo)
	sweeper.sweep(context.Background())

	saved, err := env.repo.GetByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, saved.Status)

	ev := env.repo.lastEvent()
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventPaymentPaid, ev.EventType)
}

func TestStuckSweeper_SkipsFreshPending(t *testing.T) {
	env := setupService(t)

	payment, err := env.svc.CreatePayment(context.Background(), createReq("order-fresh-1"))
	require.NoError(t, err)

	env.strategy.status = channel.StatusPaid

	sweeper := NewStuckSweeper(env.svc, env.repo)
	sweeper.sweep(context.Background())

	// Свежий PENDING ещё ждёт коллбэка, досверять его рано
	saved, err := env.repo.GetByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, saved.Status)
}

func TestStuckSweeper_ContinuesAfterQueryError(t *testing.T) {
	env := setupService(t)

	payment, err := env.svc.CreatePayment(context.Background(), createReq("order-stuck-err-1"))
	require.NoError(t, err)

	ageStoredPayment(env, payment.ID, time.Hour)
	env.strategy.statusErr = domain.ErrChannelUnavailable

	sweeper := NewStuckSweeper(env.svc, env.repo)
	sweeper.sweep(context.Background())

	// Ошибка канала не роняет проход, платёж дождётся следующего
	saved, err := env.repo.GetByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, saved.Status)
}

func TestStuckSweeper_RunStopsOnContextCancel(t *testing.T) {
	env := setupService(t)

	sweeper := NewStuckSweeper(env.svc, env.repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("воркер не остановился по отмене контекста")
	}
}
