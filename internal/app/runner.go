package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"energy-harvester/internal/domain/harvest"
	"energy-harvester/internal/domain/schedule"
	"energy-harvester/internal/infra/logger"
)

// Collector: то, что Runner запускает по расписанию.
type Collector interface {
	Run(ctx context.Context) harvest.Summary
}

// WindowScheduler ставит задачи на время суток.
type WindowScheduler interface {
	ScheduleTimeWindow(times []string, payload schedule.Payload) int
}

// Runner запускает проходы: сразу при старте, затем каждые interval и в каждое
// окно runTimes. Проходы строго последовательны; запросы, пришедшие во время
// прохода, сливаются в один следующий.
type Runner struct {
	collector Collector
	windows   WindowScheduler
	interval  time.Duration
	runTimes  []string

	trigger chan string
	wg      sync.WaitGroup
}

// NewRunner создаёт Runner.
func NewRunner(collector Collector, windows WindowScheduler, interval time.Duration, runTimes []string) *Runner {
	return &Runner{
		collector: collector,
		windows:   windows,
		interval:  interval,
		runTimes:  runTimes,
		trigger:   make(chan string, 1),
	}
}

// Start запускает цикл проходов. Цикл завершается с отменой ctx; текущий
// проход доводится до конца.
func (r *Runner) Start(ctx context.Context) {
	r.scheduleWindows()
	r.Trigger("startup")
	r.wg.Go(func() { r.loop(ctx) })
}

// Wait дожидается выхода цикла.
func (r *Runner) Wait() { r.wg.Wait() }

// Trigger просит выполнить проход. Не блокируется.
func (r *Runner) Trigger(reason string) {
	select {
	case r.trigger <- reason:
	default:
		logger.Debug("Runner: run already pending", zap.String("reason", reason))
	}
}

// scheduleWindows ставит окна на ближайшие наступления; каждое окно после
// срабатывания переставляет себя на следующие сутки.
func (r *Runner) scheduleWindows() {
	if r.windows == nil || len(r.runTimes) == 0 {
		return
	}
	for _, at := range r.runTimes {
		r.scheduleWindow(at)
	}
}

func (r *Runner) scheduleWindow(at string) {
	r.windows.ScheduleTimeWindow([]string{at}, func(context.Context) error {
		r.Trigger("window " + at)
		r.scheduleWindow(at)
		return nil
	})
}

func (r *Runner) loop(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.run(ctx, "interval")
		case reason := <-r.trigger:
			r.run(ctx, reason)
		}
	}
}

func (r *Runner) run(ctx context.Context, reason string) {
	logger.Debug("Runner: run requested", zap.String("reason", reason))
	s := r.collector.Run(ctx)
	logger.Debug("Runner: run finished", zap.String("reason", reason), zap.String("status", string(s.Status)))
}
