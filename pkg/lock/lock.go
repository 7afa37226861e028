// Package lock предоставляет распределённые блокировки на Redis.
// Используется для защиты создания платежа от дублей и для
// идемпотентной обработки уведомлений от платёжных каналов.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired — блокировку не удалось получить за отведённое время ожидания.
var ErrNotAcquired = errors.New("не удалось получить блокировку")

// releaseScript удаляет ключ блокировки только если токен совпадает.
// Сравнение и удаление атомарны: нельзя снять чужую блокировку,
// перехваченную после истечения lease.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// pollInterval — интервал между попытками захвата блокировки.
const pollInterval = 50 * time.Millisecond

// Locker управляет распределёнными блокировками в Redis.
type Locker struct {
	redis *redis.Client
	wait  time.Duration // Максимальное время ожидания захвата
	lease time.Duration // TTL блокировки (страховка от упавшего держателя)
}

// NewLocker создаёт новый Locker.
func NewLocker(client *redis.Client, wait, lease time.Duration) *Locker {
	return &Locker{
		redis: client,
		wait:  wait,
		lease: lease,
	}
}

// Acquire пытается захватить блокировку по ключу, ожидая до wait.
// Возвращает функцию освобождения. Если блокировка занята всё время
// ожидания — возвращает ErrNotAcquired.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("ошибка захвата блокировки %s: %w", key, err)
		}
		if ok {
			return l.releaseFunc(key, token), nil
		}

		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// TryOnce пытается захватить ключ без ожидания и без освобождения.
// Возвращает true, если ключ захвачен (первый вызов), и false, если
// ключ уже существует. Ключ живёт ttl и снимается только по истечении:
// так реализуется окно идемпотентности для повторных уведомлений.
func (l *Locker) TryOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка захвата ключа %s: %w", key, err)
	}
	return ok, nil
}

// Release снимает ключ идемпотентности досрочно.
// Вызывается при ошибке обработки, чтобы повторное уведомление
// не было отброшено как дубль.
func (l *Locker) Release(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ошибка снятия ключа %s: %w", key, err)
	}
	return nil
}

// releaseFunc возвращает функцию освобождения блокировки с проверкой токена.
func (l *Locker) releaseFunc(key, token string) func() {
	return func() {
		// Отдельный контекст: освобождение должно пройти даже если
		// контекст запроса уже отменён.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = releaseScript.Run(ctx, l.redis, []string{key}, token).Err()
	}
}
