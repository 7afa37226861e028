package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/circuitbreaker"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/services/payment/internal/domain"
)

// CardGateStrategy — карточный PSP с form-encoded протоколом.
// Все запросы и уведомления подписываются HMAC-SHA256 по отсортированным
// парам key=value с общим секретом. Выписка отдаётся CSV файлом.
type CardGateStrategy struct {
	baseURL    string
	merchantID string
	secret     string
	notifyURL  string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
}

// CardGateConfig — параметры подключения к PSP.
type CardGateConfig struct {
	BaseURL    string
	MerchantID string
	Secret     string
	NotifyURL  string
	Timeout    time.Duration
}

// NewCardGateStrategy создаёт стратегию PSP.
func NewCardGateStrategy(cfg CardGateConfig) *CardGateStrategy {
	return &CardGateStrategy{
		baseURL:    cfg.BaseURL,
		merchantID: cfg.MerchantID,
		secret:     cfg.Secret,
		notifyURL:  cfg.NotifyURL,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New("cardgate"),
	}
}

func (s *CardGateStrategy) Channel() string { return ChannelCardGate }

func (s *CardGateStrategy) DisplayName() string { return "Банковская карта (CardGate)" }

// Init регистрирует платёж у PSP и возвращает redirect URL.
func (s *CardGateStrategy) Init(ctx context.Context, payment *domain.Payment) (LaunchParams, error) {
	form := map[string]string{
		"merchant_id": s.merchantID,
		"order_no":    payment.OrderNo,
		"payment_no":  payment.PaymentNo,
		"amount":      payment.Amount.StringFixed(2),
		"notify_url":  s.notifyURL,
	}

	resp, err := s.post(ctx, "/gateway/v1/orders", form)
	if err != nil {
		return nil, err
	}

	redirectURL := resp.Get("redirect_url")
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: PSP не вернул redirect_url", domain.ErrChannelUnavailable)
	}

	logger.Ctx(ctx).Info().
		Str("order_no", payment.OrderNo).
		Msg("Платёж зарегистрирован у PSP")

	return LaunchParams{
		"channel":        ChannelCardGate,
		ParamRedirectURL: redirectURL,
	}, nil
}

// ProcessCallback проверяет подпись form-encoded уведомления.
func (s *CardGateStrategy) ProcessCallback(ctx context.Context, n Notification) bool {
	sign := n.Params["sign"]
	if sign == "" {
		logger.Ctx(ctx).Warn().
			Str("order_no", n.OrderNo).
			Msg("Уведомление PSP без подписи")
		return false
	}

	expected := s.sign(n.Params)
	if !hmac.Equal([]byte(sign), []byte(expected)) {
		logger.Ctx(ctx).Warn().
			Str("order_no", n.OrderNo).
			Msg("Подпись уведомления PSP не прошла проверку")
		return false
	}

	return true
}

// QueryStatus опрашивает статусный endpoint PSP.
func (s *CardGateStrategy) QueryStatus(ctx context.Context, payment *domain.Payment) (StatusCode, error) {
	form := map[string]string{
		"merchant_id": s.merchantID,
		"order_no":    payment.OrderNo,
	}

	resp, err := s.post(ctx, "/gateway/v1/orders/status", form)
	if err != nil {
		return StatusUnknown, err
	}

	return MapCardGateStatus(resp.Get("status")), nil
}

// Refund отправляет запрос возврата.
func (s *CardGateStrategy) Refund(ctx context.Context, payment *domain.Payment, amount decimal.Decimal, refundNo string) (bool, error) {
	form := map[string]string{
		"merchant_id": s.merchantID,
		"order_no":    payment.OrderNo,
		"refund_no":   refundNo,
		"amount":      amount.StringFixed(2),
	}

	resp, err := s.post(ctx, "/gateway/v1/refunds", form)
	if err != nil {
		return false, err
	}

	if resp.Get("result") != "success" {
		logger.Ctx(ctx).Warn().
			Str("refund_no", refundNo).
			Str("result", resp.Get("result")).
			Msg("PSP отклонил возврат")
		return false, nil
	}

	return true, nil
}

// DownloadSettlement скачивает CSV выписку за дату.
// Формат строки: transaction_id,order_no,amount,status,paid_at.
func (s *CardGateStrategy) DownloadSettlement(ctx context.Context, date string) ([]SettlementRecord, error) {
	form := map[string]string{
		"merchant_id": s.merchantID,
		"date":        date,
	}
	form["sign"] = s.sign(form)

	body, err := circuitbreaker.Do(s.breaker, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.baseURL+"/gateway/v1/settlements", strings.NewReader(encodeForm(form)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("PSP вернул %d", resp.StatusCode)
		}

		return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: выгрузка выписки PSP: %v", domain.ErrChannelUnavailable, err)
	}

	return parseSettlementCSV(body)
}

// ValidateParams проверяет канало-специфичные параметры.
func (s *CardGateStrategy) ValidateParams(map[string]any) bool {
	return true
}

// =============================================================================
// Протокол PSP
// =============================================================================

// sign считает HMAC-SHA256 по отсортированным key=value парам.
// Поле sign из подписи исключается.
func (s *CardGateStrategy) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// post отправляет подписанную form-encoded форму и разбирает такой же ответ.
func (s *CardGateStrategy) post(ctx context.Context, path string, form map[string]string) (url.Values, error) {
	form["sign"] = s.sign(form)

	body, err := circuitbreaker.Do(s.breaker, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.baseURL+path, strings.NewReader(encodeForm(form)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("PSP вернул %d", resp.StatusCode)
		}

		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: запрос %s: %v", domain.ErrChannelUnavailable, path, err)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("разбор ответа PSP %s: %w", path, err)
	}

	return values, nil
}

func encodeForm(form map[string]string) string {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	return values.Encode()
}

// parseSettlementCSV разбирает CSV выписку PSP.
func parseSettlementCSV(data []byte) ([]SettlementRecord, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("разбор CSV выписки: %w", err)
	}

	var records []SettlementRecord
	for i, row := range rows {
		if i == 0 {
			continue // Заголовок
		}
		if len(row) < 5 {
			return nil, fmt.Errorf("строка %d выписки: ожидалось 5 колонок, получено %d", i+1, len(row))
		}

		amount, err := decimal.NewFromString(row[2])
		if err != nil {
			return nil, fmt.Errorf("строка %d выписки: некорректная сумма %q", i+1, row[2])
		}

		paidAt, err := time.Parse(time.RFC3339, row[4])
		if err != nil {
			return nil, fmt.Errorf("строка %d выписки: некорректное время %q", i+1, row[4])
		}

		records = append(records, SettlementRecord{
			TransactionID: row[0],
			OrderNo:       row[1],
			Amount:        amount,
			Status:        MapCardGateStatus(row[3]),
			PaidAt:        paidAt,
		})
	}

	return records, nil
}

// MapCardGateStatus нормализует словарь статусов PSP.
func MapCardGateStatus(status string) StatusCode {
	switch status {
	case "SUCCESS", "PAID":
		return StatusPaid
	case "WAITING", "PROCESSING":
		return StatusWaiting
	case "CLOSED":
		return StatusClosed
	case "CANCELLED":
		return StatusCancelled
	case "REFUNDED":
		return StatusRefunded
	case "FAILED":
		return StatusFailed
	default:
		return StatusUnknown
	}
}
