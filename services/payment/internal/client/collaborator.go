// Package client содержит HTTP клиенты сервисов-партнёров:
// сервис баланса пользователя и сервис кампусной карты.
// Исходящие вызовы ограничены таймаутом и защищены circuit breaker'ом.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/circuitbreaker"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/domain"
)

// AccountClient — операции над счётом пользователя у сервиса-партнёра.
// Партнёр авторитетен: успех Deduct и есть факт оплаты.
type AccountClient interface {
	// Check проверяет, достаточно ли средств.
	Check(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)

	// Deduct списывает средства. Идемпотентен по orderNo на стороне партнёра.
	Deduct(ctx context.Context, userID, orderNo string, amount decimal.Decimal) (string, error)

	// Credit возвращает средства на счёт.
	Credit(ctx context.Context, userID, refundNo string, amount decimal.Decimal) error
}

// =============================================================================
// HTTP реализация
// =============================================================================

// httpAccountClient — JSON клиент счёта поверх net/http.
type httpAccountClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewAccountClient создаёт клиент счёта пользователя.
func NewAccountClient(baseURL string, timeout time.Duration, breakerName string) AccountClient {
	return &httpAccountClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(breakerName),
	}
}

type checkRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type checkResponse struct {
	Sufficient bool `json:"sufficient"`
}

type deductRequest struct {
	UserID  string          `json:"user_id"`
	OrderNo string          `json:"order_no"`
	Amount  decimal.Decimal `json:"amount"`
}

type deductResponse struct {
	TransactionID string `json:"transaction_id"`
}

type creditRequest struct {
	UserID   string          `json:"user_id"`
	RefundNo string          `json:"refund_no"`
	Amount   decimal.Decimal `json:"amount"`
}

// Check проверяет достаточность средств.
func (c *httpAccountClient) Check(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	var resp checkResponse
	if err := c.post(ctx, "/internal/v1/accounts/check", checkRequest{UserID: userID, Amount: amount}, &resp); err != nil {
		return false, err
	}
	return resp.Sufficient, nil
}

// Deduct списывает средства со счёта.
func (c *httpAccountClient) Deduct(ctx context.Context, userID, orderNo string, amount decimal.Decimal) (string, error) {
	var resp deductResponse
	err := c.post(ctx, "/internal/v1/accounts/deduct",
		deductRequest{UserID: userID, OrderNo: orderNo, Amount: amount}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

// Credit возвращает средства на счёт.
func (c *httpAccountClient) Credit(ctx context.Context, userID, refundNo string, amount decimal.Decimal) error {
	return c.post(ctx, "/internal/v1/accounts/credit",
		creditRequest{UserID: userID, RefundNo: refundNo, Amount: amount}, nil)
}

// post выполняет JSON POST через circuit breaker.
func (c *httpAccountClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", path, err)
	}

	type httpResult struct {
		status int
		data   []byte
	}

	// Бизнес-отказы (4xx) возвращаются как успешный результат,
	// чтобы не засчитываться circuit breaker'ом как сбой.
	res, err := circuitbreaker.Do(c.breaker, func() (httpResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return httpResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return httpResult{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return httpResult{}, err
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return httpResult{}, fmt.Errorf("партнёр вернул %d: %s", resp.StatusCode, data)
		}

		return httpResult{status: resp.StatusCode, data: data}, nil
	})
	if err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("path", path).
			Msg("Сервис-партнёр недоступен")
		return fmt.Errorf("%w: %s", domain.ErrChannelUnavailable, path)
	}

	if res.status != http.StatusOK {
		return &BusinessError{Status: res.status, Body: string(res.data)}
	}

	if out != nil {
		if err := json.Unmarshal(res.data, out); err != nil {
			return fmt.Errorf("разбор ответа %s: %w", path, err)
		}
	}
	return nil
}

// BusinessError — отказ партнёра на уровне бизнес-логики (4xx).
// Не считается сбоем для circuit breaker'а.
type BusinessError struct {
	Status int
	Body   string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("отказ партнёра (%d): %s", e.Status, e.Body)
}

// IsBusinessError сообщает, является ли ошибка бизнес-отказом партнёра.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}
