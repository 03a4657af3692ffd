// Package throttle: выдерживание минимальных интервалов между вызовами
// удалённых операций. Каждой операции (ключу) соответствует свой бакет с
// политикой (фиксированный интервал или случайный из диапазона) и отметкой
// времени последнего запланированного вызова.
//
// Модель: резервирование: под мьютексом бакета вычисляется момент,
// когда вызов разрешён, и этот момент сразу же записывается как новая отметка.
// Спать вызывающий код будет уже вне критической секции. Атомарность пары
// «вычислить + проштамповать» обязательна: иначе два воркера, пришедшие
// почти одновременно, увидят одну и ту же старую отметку и пройдут в одно окно.
// Критическая секция никогда не охватывает сетевой вызов.
package throttle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Option задаёт дополнительные параметры Pacer при создании.
type Option func(*Pacer)

// WithDefaultPolicy задаёт политику для ключей, не сконфигурированных явно.
func WithDefaultPolicy(p Policy) Option {
	return func(pc *Pacer) {
		pc.fallback = p
	}
}

// WithPolicy регистрирует политику для ключа на этапе создания.
func WithPolicy(key string, p Policy) Option {
	return func(pc *Pacer) {
		pc.buckets[key] = &bucket{policy: p}
	}
}

// WithRandom подменяет источник случайности (для детерминированных тестов).
func WithRandom(fn func() float64) Option {
	return func(pc *Pacer) {
		if fn != nil {
			pc.randomFn = fn
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(pc *Pacer) {
		if now != nil {
			pc.now = now
		}
	}
}

// bucket: состояние одного ключа. last: момент последнего разрешённого вызова.
type bucket struct {
	mu     sync.Mutex
	policy Policy
	last   time.Time
}

// Pacer: набор бакетов по ключам операций. Потокобезопасен.
type Pacer struct {
	mu       sync.RWMutex // защищает карту buckets (не сами бакеты)
	buckets  map[string]*bucket
	fallback Policy

	now      func() time.Time
	randomFn func() float64
}

// New создаёт Pacer. По умолчанию ключи без политики не ограничиваются.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		buckets:  make(map[string]*bucket),
		now:      time.Now,
		randomFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPolicy задаёт (или заменяет) политику ключа, сохраняя его отметку.
func (p *Pacer) SetPolicy(key string, policy Policy) {
	b := p.bucketFor(key)
	b.mu.Lock()
	b.policy = policy
	b.mu.Unlock()
}

// Policy возвращает политику ключа (или политику по умолчанию).
func (p *Pacer) Policy(key string) Policy {
	b := p.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// Interval возвращает рекомендуемую паузу перед вызовом key и одновременно
// резервирует слот: отметка бакета сдвигается на момент разрешённого вызова.
func (p *Pacer) Interval(key string) time.Duration {
	return p.Reserve(key, 0)
}

// Reserve: Interval с дополнительной минимальной паузой extra (повтор,
// повторная цепочка). Итоговый момент = max(now+extra, last+interval).
func (p *Pacer) Reserve(key string, extra time.Duration) time.Duration {
	b := p.bucketFor(key)

	b.mu.Lock()
	now := p.now()
	at := now
	if extra > 0 {
		at = now.Add(extra)
	}
	if !b.last.IsZero() {
		if next := b.last.Add(b.policy.Sample(p.randomFn)); next.After(at) {
			at = next
		}
	}
	b.last = at
	b.mu.Unlock()

	return at.Sub(now)
}

// Wait резервирует слот и спит до него вне критической секции.
// Возвращает ошибку контекста, если ожидание прервано; слот при этом уже израсходован.
func (p *Pacer) Wait(ctx context.Context, key string, extra time.Duration) error {
	return Sleep(ctx, p.Reserve(key, extra))
}

// bucketFor возвращает бакет ключа, создавая его с политикой по умолчанию.
func (p *Pacer) bucketFor(key string) *bucket {
	p.mu.RLock()
	b, ok := p.buckets[key]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok = p.buckets[key]; ok {
		return b
	}
	b = &bucket{policy: p.fallback}
	p.buckets[key] = b
	return b
}

// Sleep ждёт duration или отмену ctx.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stopTimer безопасно останавливает таймер и дренирует его канал, если тик уже произошёл.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
