package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-system/services/payment/internal/domain"
)

// =====================================
// Тесты AccountClient
// =====================================

func TestAccountClient_Check(t *testing.T) {
	t.Run("средств достаточно", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/internal/v1/accounts/check", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)

			var req checkRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "user-123", req.UserID)

			_ = json.NewEncoder(w).Encode(checkResponse{Sufficient: true})
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-check-ok")
		ok, err := c.Check(context.Background(), "user-123", decimal.NewFromInt(100))

		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("средств недостаточно", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(checkResponse{Sufficient: false})
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-check-low")
		ok, err := c.Check(context.Background(), "user-123", decimal.NewFromInt(100000))

		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAccountClient_Deduct(t *testing.T) {
	t.Run("успешное списание", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req deductRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "ORD-001", req.OrderNo)

			_ = json.NewEncoder(w).Encode(deductResponse{TransactionID: "txn-balance-42"})
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-deduct-ok")
		txn, err := c.Deduct(context.Background(), "user-123", "ORD-001", decimal.NewFromInt(50))

		require.NoError(t, err)
		assert.Equal(t, "txn-balance-42", txn)
	})

	t.Run("бизнес-отказ не маскируется под недоступность", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-deduct-biz")
		_, err := c.Deduct(context.Background(), "user-123", "ORD-002", decimal.NewFromInt(500))

		require.Error(t, err)
		assert.True(t, IsBusinessError(err))
		assert.NotErrorIs(t, err, domain.ErrChannelUnavailable)
	})

	t.Run("ошибка 5xx: канал недоступен", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-deduct-5xx")
		_, err := c.Deduct(context.Background(), "user-123", "ORD-003", decimal.NewFromInt(10))

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
	})

	t.Run("сервис лежит: канал недоступен", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // Закрываем сразу: соединение будет отклонено

		c := NewAccountClient(srv.URL, time.Second, "test-account-deduct-down")
		_, err := c.Deduct(context.Background(), "user-123", "ORD-004", decimal.NewFromInt(10))

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
	})
}

func TestAccountClient_Credit(t *testing.T) {
	t.Run("успешный возврат средств", func(t *testing.T) {
		var got creditRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := NewAccountClient(srv.URL, 2*time.Second, "test-account-credit-ok")
		err := c.Credit(context.Background(), "user-123", "REF20250115120000000001", decimal.NewFromInt(50))

		require.NoError(t, err)
		assert.Equal(t, "REF20250115120000000001", got.RefundNo)
	})
}
