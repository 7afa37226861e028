// Package lock — тесты распределённых блокировок с использованием miniredis.
package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTest создаёт miniredis и Locker для тестов.
func setupTest(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewLocker(client, 200*time.Millisecond, 10*time.Second), mr
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("успешный захват свободной блокировки", func(t *testing.T) {
		locker, mr := setupTest(t)

		release, err := locker.Acquire(ctx, "payment:create:ORD-1")
		require.NoError(t, err, "свободная блокировка должна захватываться")
		require.NotNil(t, release)

		assert.True(t, mr.Exists("payment:create:ORD-1"), "ключ блокировки должен существовать")

		release()
		assert.False(t, mr.Exists("payment:create:ORD-1"), "после освобождения ключ должен исчезнуть")
	})

	t.Run("занятая блокировка — ErrNotAcquired после ожидания", func(t *testing.T) {
		locker, _ := setupTest(t)

		release, err := locker.Acquire(ctx, "payment:create:ORD-2")
		require.NoError(t, err)
		defer release()

		start := time.Now()
		_, err = locker.Acquire(ctx, "payment:create:ORD-2")
		assert.ErrorIs(t, err, ErrNotAcquired, "повторный захват должен завершиться ErrNotAcquired")
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "должно пройти время ожидания")
	})

	t.Run("захват после освобождения", func(t *testing.T) {
		locker, _ := setupTest(t)

		release, err := locker.Acquire(ctx, "payment:create:ORD-3")
		require.NoError(t, err)
		release()

		release2, err := locker.Acquire(ctx, "payment:create:ORD-3")
		require.NoError(t, err, "после освобождения блокировка должна захватываться")
		release2()
	})

	t.Run("блокировка истекает по lease", func(t *testing.T) {
		locker, mr := setupTest(t)

		_, err := locker.Acquire(ctx, "payment:create:ORD-4")
		require.NoError(t, err)

		// Эмулируем падение держателя: lease истекает
		mr.FastForward(11 * time.Second)

		release, err := locker.Acquire(ctx, "payment:create:ORD-4")
		require.NoError(t, err, "после истечения lease блокировка должна захватываться")
		release()
	})

	t.Run("release не снимает чужую блокировку", func(t *testing.T) {
		locker, mr := setupTest(t)

		release1, err := locker.Acquire(ctx, "payment:create:ORD-5")
		require.NoError(t, err)

		// Lease первого держателя истёк, блокировку забрал второй
		mr.FastForward(11 * time.Second)
		release2, err := locker.Acquire(ctx, "payment:create:ORD-5")
		require.NoError(t, err)

		// Запоздавший release первого держателя не должен снять блокировку второго
		release1()
		assert.True(t, mr.Exists("payment:create:ORD-5"), "блокировка второго держателя должна остаться")

		release2()
		assert.False(t, mr.Exists("payment:create:ORD-5"))
	})

	t.Run("отмена контекста прерывает ожидание", func(t *testing.T) {
		locker, _ := setupTest(t)

		release, err := locker.Acquire(ctx, "payment:create:ORD-6")
		require.NoError(t, err)
		defer release()

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(60 * time.Millisecond)
			cancel()
		}()

		_, err = locker.Acquire(cancelCtx, "payment:create:ORD-6")
		assert.ErrorIs(t, err, context.Canceled, "ожидание должно прерваться отменой контекста")
	})
}

func TestTryOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("первый вызов захватывает ключ", func(t *testing.T) {
		locker, mr := setupTest(t)

		ok, err := locker.TryOnce(ctx, "payment:callback:ORD-1", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "первый вызов должен захватить ключ")
		assert.True(t, mr.Exists("payment:callback:ORD-1"))
	})

	t.Run("повторный вызов возвращает false", func(t *testing.T) {
		locker, _ := setupTest(t)

		ok, err := locker.TryOnce(ctx, "payment:callback:ORD-2", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = locker.TryOnce(ctx, "payment:callback:ORD-2", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "повторный вызов в окне TTL должен вернуть false")
	})

	t.Run("после истечения TTL ключ захватывается снова", func(t *testing.T) {
		locker, mr := setupTest(t)

		ok, err := locker.TryOnce(ctx, "payment:callback:ORD-3", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(6 * time.Second)

		ok, err = locker.TryOnce(ctx, "payment:callback:ORD-3", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "после истечения TTL захват должен пройти")
	})

	t.Run("Release снимает ключ досрочно", func(t *testing.T) {
		locker, mr := setupTest(t)

		ok, err := locker.TryOnce(ctx, "payment:callback:ORD-4", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		err = locker.Release(ctx, "payment:callback:ORD-4")
		require.NoError(t, err)
		assert.False(t, mr.Exists("payment:callback:ORD-4"))

		ok, err = locker.TryOnce(ctx, "payment:callback:ORD-4", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "после Release ключ должен захватываться снова")
	})
}
