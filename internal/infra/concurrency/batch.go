package concurrency

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"energy-harvester/internal/infra/logger"
)

// Chunk делит items на последовательные куски не длиннее size.
// Куски разделяют память с исходным срезом.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// RunBatches делит items на куски по size и запускает fn для каждого куска в
// группе errgroup. Возвращается только после того, как каждый fn вернул
// управление (а fn, в свою очередь, обязан дождаться собственных вложенных
// RunBatches). ctx не прерывает уже запущенные куски: возврат по отмене
// означает только прекращение ожидания.
func RunBatches[T any](ctx context.Context, items []T, size int, fn func(ctx context.Context, index int, chunk []T)) error {
	var g errgroup.Group
	for i, chunk := range Chunk(items, size) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("RunBatches: chunk panicked", zap.Int("chunk", i), zap.Any("panic", r))
				}
			}()
			fn(ctx, i, chunk)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
