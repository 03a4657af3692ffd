package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"energy-harvester/internal/infra/logger"
)

// defaultPoolSize: размер пула по умолчанию.
const defaultPoolSize = 8

// Dispatcher: общий ограниченный пул. Слот занимает только «листовая» работа
// (сетевой вызов и его обработка); координаторы пакетов ждут свои группы, не держа
// слотов, поэтому вложенные ожидания не могут исчерпать пул.
type Dispatcher struct {
	sem  *semaphore.Weighted
	size int64
}

// NewDispatcher создаёт пул из size слотов.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &Dispatcher{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Size возвращает ёмкость пула.
func (d *Dispatcher) Size() int { return int(d.size) }

// Go запускает fn асинхронно в слоте пула. tracker (может быть nil) увеличивается
// до возврата из Go и уменьшается после fn при любом исходе, включая панику
// и отмену ctx до получения слота.
func (d *Dispatcher) Go(ctx context.Context, tracker *Tracker, name string, fn func(ctx context.Context)) {
	if tracker != nil {
		tracker.Add()
	}
	go func() {
		if tracker != nil {
			defer tracker.Done()
		}
		_ = d.Do(ctx, name, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
	}()
}

// Do выполняет fn синхронно, заняв слот пула. Паника внутри fn перехватывается,
// логируется и возвращается как ошибка.
func (d *Dispatcher) Do(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	if acqErr := d.sem.Acquire(ctx, 1); acqErr != nil {
		logger.Debug("Dispatcher: slot not acquired", zap.String("task", name), zap.Error(acqErr))
		return acqErr
	}
	defer d.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Dispatcher: task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}
