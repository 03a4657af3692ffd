// Package concurrency: инфраструктура конкурентного исполнения харвестера:
// ограниченный пул воркеров, счётчик задач «в полёте» с ограниченным ожиданием,
// пакетное исполнение поверх errgroup и разбиение списков на пакеты.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Tracker: счётчик незавершённых задач с возможностью дождаться нуля.
// Канал zero пересоздаётся при переходе 0→1 и закрывается при 1→0,
// поэтому ожидающие просыпаются все разом.
type Tracker struct {
	mu    sync.Mutex
	count int64
	zero  chan struct{}
}

// NewTracker создаёт пустой счётчик.
func NewTracker() *Tracker {
	zero := make(chan struct{})
	close(zero)
	return &Tracker{zero: zero}
}

// Add регистрирует одну задачу.
func (t *Tracker) Add() {
	t.mu.Lock()
	if t.count == 0 {
		t.zero = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()
}

// Done снимает одну задачу. Лишний Done игнорируется.
func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		close(t.zero)
	}
}

// Count возвращает текущее число задач.
func (t *Tracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait ждёт, пока счётчик станет нулём, но не дольше timeout.
// Возвращает true, если все задачи завершились. По таймауту задачи
// не отменяются: они продолжают выполняться и снимутся с учёта сами.
func (t *Tracker) Wait(ctx context.Context, timeout time.Duration) bool {
	t.mu.Lock()
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-zero:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
