// Package breaker: глобальная пауза после сигнала троттлинга платформы.
// Быстрый путь: атомарный флаг, который проверяется перед каждой попыткой.
// Момент окончания паузы сохраняется в долговременном хранилище и перечитывается
// в начале каждого прогона, поэтому пауза переживает рестарт процесса.
// Снятие паузы автоматическое: как только настенные часы прошли отметку,
// следующая проверка снимает флаг; явного Reset не требуется.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"energy-harvester/internal/infra/logger"
)

// PauseKey: ключ отметки паузы в хранилище.
const PauseKey = "pause_until"

// defaultCooldown: длительность паузы по умолчанию.
const defaultCooldown = 30 * time.Minute

// Store: долговременное хранилище отметки паузы.
type Store interface {
	GetTime(key string) (time.Time, bool, error)
	PutTime(key string, t time.Time) error
}

// Option задаёт дополнительные параметры Breaker.
type Option func(*Breaker)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker: предохранитель. Потокобезопасен.
type Breaker struct {
	store    Store
	cooldown time.Duration
	now      func() time.Time

	tripped    atomic.Bool
	pauseUntil atomic.Int64 // unix-миллисекунды

	persistMu sync.Mutex
	reason    atomic.Value // string
}

// New создаёт предохранитель. store может быть nil: тогда пауза живёт только в памяти.
func New(store Store, cooldown time.Duration, opts ...Option) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	b := &Breaker{
		store:    store,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow сообщает, можно ли начинать новую попытку. При взведённом флаге
// сравнивает текущее время с отметкой и снимает флаг, если пауза истекла.
func (b *Breaker) Allow() bool {
	if !b.tripped.Load() {
		return true
	}
	if b.now().UnixMilli() < b.pauseUntil.Load() {
		return false
	}
	if b.tripped.CompareAndSwap(true, false) {
		logger.Info("Breaker: cooldown elapsed, resuming")
	}
	return true
}

// Tripped: состояние быстрого флага без попытки автоснятия.
func (b *Breaker) Tripped() bool { return b.tripped.Load() }

// PausedUntil возвращает отметку окончания паузы (нулевое время, если паузы не было).
func (b *Breaker) PausedUntil() time.Time {
	ms := b.pauseUntil.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Reason возвращает причину последнего срабатывания.
func (b *Breaker) Reason() string {
	if v, ok := b.reason.Load().(string); ok {
		return v
	}
	return ""
}

// Trip взводит паузу now+cooldown. Повторное срабатывание во время паузы
// её не продлевает. Ошибка хранилища логируется: флаг в памяти взводится в любом случае.
func (b *Breaker) Trip(reason string) time.Time {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	now := b.now()
	if b.tripped.Load() && now.UnixMilli() < b.pauseUntil.Load() {
		return b.PausedUntil()
	}
	until := now.Add(b.cooldown)

	b.pauseUntil.Store(until.UnixMilli())
	b.reason.Store(reason)
	b.tripped.Store(true)

	if b.store != nil {
		if err := b.store.PutTime(PauseKey, until); err != nil {
			logger.Error("Breaker: persist pause failed", zap.Error(err))
		}
	}
	logger.Warn("Breaker: tripped",
		zap.String("reason", reason),
		zap.Time("until", until))
	return until
}

// Refresh перечитывает сохранённую отметку. Вызывается в начале каждого прогона.
// Возвращает true, если пауза активна.
func (b *Breaker) Refresh(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b.store != nil {
		until, ok, err := b.store.GetTime(PauseKey)
		if err != nil {
			return !b.Allow(), errors.Wrap(err, "read pause")
		}
		if ok && until.UnixMilli() > b.pauseUntil.Load() {
			b.pauseUntil.Store(until.UnixMilli())
			b.tripped.Store(true)
		}
	}
	return !b.Allow(), nil
}
