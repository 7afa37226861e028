// Package domain содержит бизнес-сущности Payment Service.
package domain

import "errors"

// Доменные ошибки Payment Service.
var (
	// ErrPaymentNotFound — платёж не найден.
	ErrPaymentNotFound = errors.New("платёж не найден")

	// ErrUnsupportedChannel — платёжный канал не зарегистрирован.
	ErrUnsupportedChannel = errors.New("платёжный канал не поддерживается")

	// ErrBusy — не удалось получить блокировку создания платежа за время ожидания.
	// Клиенту следует повторить запрос позже.
	ErrBusy = errors.New("платёж по заказу уже обрабатывается, повторите позже")

	// ErrConcurrentModification — оптимистичная блокировка: версия платежа
	// изменилась между чтением и записью.
	ErrConcurrentModification = errors.New("платёж изменён параллельной операцией")

	// ErrMalformedNotification — уведомление от канала не удалось разобрать.
	ErrMalformedNotification = errors.New("некорректное уведомление от платёжного канала")

	// ErrVerificationFailed — подпись или содержимое уведомления не прошли проверку.
	ErrVerificationFailed = errors.New("проверка уведомления не пройдена")

	// ErrIntegrityAlert — уведомление прошло проверку, но платёж не найден в системе.
	// Требует ручного разбирательства: деньги на стороне канала есть, у нас записи нет.
	ErrIntegrityAlert = errors.New("уведомление о неизвестном платеже")

	// ErrChannelUnavailable — платёжный канал недоступен (таймаут, circuit breaker).
	ErrChannelUnavailable = errors.New("платёжный канал временно недоступен")

	// ErrNotPaid — операция требует оплаченного платежа.
	ErrNotPaid = errors.New("платёж не находится в статусе PAID")

	// ErrRiskBlocked — платёж отклонён риск-контролем.
	ErrRiskBlocked = errors.New("платёж отклонён риск-контролем")

	// ErrInvalidTransition — недопустимый переход состояния.
	ErrInvalidTransition = errors.New("недопустимый переход состояния платежа")

	// ErrInvalidAmount — некорректная сумма платежа.
	ErrInvalidAmount = errors.New("сумма платежа должна быть больше нуля")

	// ErrInvalidPayment — некорректные поля платежа.
	ErrInvalidPayment = errors.New("некорректный платёж")

	// ErrBatchNotFound — батч сверки не найден.
	ErrBatchNotFound = errors.New("батч сверки не найден")

	// ErrBatchNotRunnable — батч сверки нельзя запустить из текущего статуса.
	ErrBatchNotRunnable = errors.New("батч сверки уже выполнен или выполняется")

	// ErrRecordNotFound — запись сверки не найдена.
	ErrRecordNotFound = errors.New("запись сверки не найдена")
)
