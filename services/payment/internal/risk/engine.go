// Package risk содержит риск-контроль платежей: оценку попытки оплаты
// по счётчикам в Redis и порогам сумм.
//
// Счётчики эфемерные, с TTL. При отказе Redis движок деградирует в
// fail-open: платежи важнее идеального скоринга.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"example.com/payment-system/pkg/config"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/pkg/metrics"
)

// Level — уровень риска попытки оплаты.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Action — рекомендация движка.
type Action string

const (
	// ActionPass — платёж пропускается.
	ActionPass Action = "PASS"

	// ActionWarn — платёж пропускается, рекомендована доп. верификация.
	ActionWarn Action = "WARN"

	// ActionBlock — платёж блокируется.
	ActionBlock Action = "BLOCK"
)

// Assessment — результат оценки попытки оплаты.
type Assessment struct {
	Level   Level
	Action  Action
	Reasons []string
}

// Blocked сообщает, заблокирована ли попытка.
func (a *Assessment) Blocked() bool {
	return a.Action == ActionBlock
}

// Ключи счётчиков в Redis.
const (
	prefixAttemptMinute = "payment:attempt:"
	prefixAttemptHour   = "payment:attempt:hour:"
	prefixIPAttempt     = "payment:ip:"
	prefixFail          = "payment:fail:"
	prefixAvgAmount     = "payment:avg_amount:"
	prefixCount         = "payment:count:"
	prefixBlock         = "payment:block:"
)

const longTermTTL = 30 * 24 * time.Hour

// incrScript атомарно инкрементирует счётчик и выставляет TTL первому инкременту.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Engine — движок риск-контроля.
type Engine struct {
	redis  *redis.Client
	cfg    config.RiskConfig
	high   decimal.Decimal
	medium decimal.Decimal
	ips    map[string]struct{}
}

// NewEngine создаёт движок риск-контроля.
// Некорректные пороги в конфигурации считаются ошибкой запуска.
func NewEngine(client *redis.Client, cfg config.RiskConfig) (*Engine, error) {
	high, err := decimal.NewFromString(cfg.HighAmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("некорректный порог высокой суммы %q: %w", cfg.HighAmountThreshold, err)
	}
	medium, err := decimal.NewFromString(cfg.MediumAmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("некорректный порог средней суммы %q: %w", cfg.MediumAmountThreshold, err)
	}

	ips := make(map[string]struct{}, len(cfg.RiskIPs))
	for _, ip := range cfg.RiskIPs {
		ips[ip] = struct{}{}
	}

	return &Engine{
		redis:  client,
		cfg:    cfg,
		high:   high,
		medium: medium,
		ips:    ips,
	}, nil
}

// =============================================================================
// Оценка
// =============================================================================

// Assess оценивает попытку оплаты. Итоговый уровень — максимум по всем
// правилам: HIGH блокирует, MEDIUM предупреждает, LOW пропускает.
func (e *Engine) Assess(ctx context.Context, userID, orderNo string, amount decimal.Decimal, channel, ip, deviceInfo string) (*Assessment, error) {
	a := &Assessment{Level: LevelLow, Action: ActionPass}

	blocked, err := e.isBlocked(ctx, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Риск-контроль: Redis недоступен, оценка пропущена")
		return a, nil
	}
	if blocked {
		e.raise(a, LevelHigh, "пользователь заблокирован риск-контролем")
		e.record(a)
		return a, nil
	}

	// Пороги сумм
	if amount.GreaterThanOrEqual(e.high) {
		e.raise(a, LevelHigh, fmt.Sprintf("сумма %s не ниже порога %s", amount, e.high))
	} else if amount.GreaterThanOrEqual(e.medium) {
		e.raise(a, LevelMedium, fmt.Sprintf("сумма %s не ниже порога %s", amount, e.medium))
	}

	// Частота попыток пользователя
	now := time.Now()
	if count := e.windowCount(ctx, prefixAttemptMinute, userID, now, time.Minute, "200601021504"); count >= int64(e.cfg.MaxAttemptsPerMinute) {
		e.raise(a, LevelHigh, fmt.Sprintf("%d попыток за минуту", count))
	}

	if count := e.windowCount(ctx, prefixAttemptHour, userID, now, time.Hour, "2006010215"); count >= int64(e.cfg.MaxAttemptsPerHour) {
		e.raise(a, LevelMedium, fmt.Sprintf("%d попыток за час", count))
	}

	// Риски по IP
	if _, risky := e.ips[ip]; risky {
		e.raise(a, LevelHigh, "IP из списка рискованных")
	}

	if count := e.windowCount(ctx, prefixIPAttempt, ip, now, time.Hour, "2006010215"); count >= int64(e.cfg.MaxIPAttemptsPerHour) {
		e.raise(a, LevelMedium, fmt.Sprintf("%d попыток с IP за час", count))
	}

	// Аномальное поведение
	if abnormal, err := e.IsAbnormal(ctx, userID, amount); err == nil && abnormal {
		e.raise(a, LevelHigh, "аномальное поведение пользователя")
	}

	if a.Blocked() {
		logger.Ctx(ctx).Warn().
			Str("user_id", userID).
			Str("order_no", orderNo).
			Str("device_info", deviceInfo).
			Strs("reasons", a.Reasons).
			Msg("Платёж заблокирован риск-контролем")
	}

	e.record(a)
	return a, nil
}

// RecordAttempt фиксирует попытку оплаты в счётчиках.
// На успехе сбрасывается счётчик неудач и сумма учитывается в скользящем
// среднем; на неудаче инкрементируется счётчик неудач.
func (e *Engine) RecordAttempt(ctx context.Context, userID, orderNo string, amount decimal.Decimal, channel, ip string, success bool) {
	now := time.Now()

	// TTL в два шага окна: предыдущая корзина должна дожить до чтения
	e.incr(ctx, fmt.Sprintf("%s%s:%s", prefixAttemptMinute, userID, now.Format("200601021504")), 2*time.Minute)
	e.incr(ctx, fmt.Sprintf("%s%s:%s", prefixAttemptHour, userID, now.Format("2006010215")), 2*time.Hour)
	e.incr(ctx, fmt.Sprintf("%s%s:%s", prefixIPAttempt, ip, now.Format("2006010215")), 2*time.Hour)

	if success {
		if err := e.redis.Del(ctx, prefixFail+userID).Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Не удалось сбросить счётчик неудач")
		}
		e.foldAmount(ctx, userID, amount)
		return
	}

	e.incr(ctx, prefixFail+userID, time.Hour)
}

// IsAbnormal сообщает об аномальном поведении: серия неудач подряд или
// сумма в разы выше привычной для пользователя.
func (e *Engine) IsAbnormal(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	fails, err := e.counter(ctx, prefixFail+userID)
	if err != nil {
		return false, err
	}
	if fails >= 3 {
		return true, nil
	}

	avgStr, err := e.redis.Get(ctx, prefixAvgAmount+userID).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil // Среднее ещё не накоплено
		}
		return false, err
	}

	avg, err := decimal.NewFromString(avgStr)
	if err != nil || avg.IsZero() {
		return false, nil
	}

	return amount.GreaterThan(avg.Mul(decimal.NewFromInt(5))) && amount.GreaterThan(e.high), nil
}

// =============================================================================
// Операторские операции
// =============================================================================

// Block блокирует пользователя на указанный срок.
func (e *Engine) Block(ctx context.Context, userID, reason string, ttl time.Duration) error {
	if err := e.redis.Set(ctx, prefixBlock+userID, reason, ttl).Err(); err != nil {
		return fmt.Errorf("блокировка пользователя %s: %w", userID, err)
	}

	logger.Ctx(ctx).Info().
		Str("user_id", userID).
		Str("reason", reason).
		Dur("ttl", ttl).
		Msg("Пользователь заблокирован риск-контролем")
	return nil
}

// Unblock снимает блокировку пользователя.
func (e *Engine) Unblock(ctx context.Context, userID string) error {
	if err := e.redis.Del(ctx, prefixBlock+userID).Err(); err != nil {
		return fmt.Errorf("разблокировка пользователя %s: %w", userID, err)
	}

	logger.Ctx(ctx).Info().
		Str("user_id", userID).
		Msg("Блокировка риск-контроля снята")
	return nil
}

// =============================================================================
// Внутренние помощники
// =============================================================================

func (e *Engine) isBlocked(ctx context.Context, userID string) (bool, error) {
	_, err := e.redis.Get(ctx, prefixBlock+userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// windowCount считает попытки в скользящем окне шириной step: сумма
// текущей и предыдущей корзины. Фиксированная корзина обнулялась бы на
// границе, и серия попыток вокруг неё проходила бы мимо лимита.
// Ошибки Redis деградируют в ноль, как и везде в движке.
func (e *Engine) windowCount(ctx context.Context, prefix, id string, now time.Time, step time.Duration, layout string) int64 {
	var total int64
	for _, bucket := range []time.Time{now, now.Add(-step)} {
		key := fmt.Sprintf("%s%s:%s", prefix, id, bucket.Format(layout))
		if count, err := e.counter(ctx, key); err == nil {
			total += count
		}
	}
	return total
}

// counter читает значение счётчика; отсутствующий ключ равен нулю.
func (e *Engine) counter(ctx context.Context, key string) (int64, error) {
	n, err := e.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// incr атомарно увеличивает счётчик с TTL. Ошибки только логируются.
func (e *Engine) incr(ctx context.Context, key string, ttl time.Duration) {
	if err := incrScript.Run(ctx, e.redis, []string{key}, int(ttl.Seconds())).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Не удалось обновить риск-счётчик")
	}
}

// foldAmount учитывает сумму в инкрементальном среднем пользователя.
func (e *Engine) foldAmount(ctx context.Context, userID string, amount decimal.Decimal) {
	countKey := prefixCount + userID
	avgKey := prefixAvgAmount + userID

	count, err := e.redis.Incr(ctx, countKey).Result()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Не удалось обновить счётчик платежей")
		return
	}
	e.redis.Expire(ctx, countKey, longTermTTL)

	avg := decimal.Zero
	if avgStr, err := e.redis.Get(ctx, avgKey).Result(); err == nil {
		if parsed, err := decimal.NewFromString(avgStr); err == nil {
			avg = parsed
		}
	}

	// avg' = avg + (x - avg) / n
	newAvg := avg.Add(amount.Sub(avg).Div(decimal.NewFromInt(count)))
	if err := e.redis.Set(ctx, avgKey, newAvg.String(), longTermTTL).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Не удалось обновить среднюю сумму")
	}
}

// raise поднимает уровень оценки, если новый строже текущего.
func (e *Engine) raise(a *Assessment, level Level, reason string) {
	a.Reasons = append(a.Reasons, reason)

	rank := map[Level]int{LevelLow: 0, LevelMedium: 1, LevelHigh: 2}
	if rank[level] > rank[a.Level] {
		a.Level = level
	}

	switch a.Level {
	case LevelHigh:
		a.Action = ActionBlock
	case LevelMedium:
		a.Action = ActionWarn
	default:
		a.Action = ActionPass
	}
}

// record отражает решение в метриках.
func (e *Engine) record(a *Assessment) {
	metrics.RiskDecisionsTotal.WithLabelValues(string(a.Level), string(a.Action)).Inc()
}
