package channel

import (
	"fmt"

	"example.com/payment-system/services/payment/internal/domain"
)

// Registry — реестр платёжных каналов.
// Собирается один раз при старте и далее только читается,
// поэтому обходится без мьютекса.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry создаёт реестр из фиксированного набора стратегий.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Channel()] = s
	}
	return r
}

// Resolve возвращает стратегию канала.
func (r *Registry) Resolve(channel string) (Strategy, error) {
	s, ok := r.strategies[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channel)
	}
	return s, nil
}

// Supports сообщает, зарегистрирован ли канал.
func (r *Registry) Supports(channel string) bool {
	_, ok := r.strategies[channel]
	return ok
}

// Supported возвращает идентификаторы каналов с отображаемыми названиями.
func (r *Registry) Supported() map[string]string {
	out := make(map[string]string, len(r.strategies))
	for id, s := range r.strategies {
		out[id] = s.DisplayName()
	}
	return out
}
