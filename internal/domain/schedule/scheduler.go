// Package schedule: планировщик «пробуждений»: задачи, которые должны
// сработать к моменту созревания ресурса цели (с поправкой на расхождение
// часов и сетевую задержку), и задачи на заданное время суток.
//
// Все задачи лежат в одной очереди с приоритетом по моменту срабатывания;
// её обслуживает единственная горутина-диспетчер. Сработавшая задача
// удаляется из индекса до запуска, а её работа уходит в общий пул.
// Ошибка или паника работы логируется и не повторяется: пропущенный ресурс
// подберёт следующий полный проход.
package schedule

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"energy-harvester/internal/infra/clock"
	"energy-harvester/internal/infra/concurrency"
	"energy-harvester/internal/infra/logger"
	"energy-harvester/internal/infra/timeutil"
)

const (
	// DefaultPerTargetCap: предел одновременно живых пробуждений на одну цель.
	DefaultPerTargetCap = 10
	// defaultGroupSize: сколько задач ScheduleMany вставляет за один захват лока.
	defaultGroupSize = 5
	// defaultHorizon: дальше этого горизонта пробуждения не планируются.
	defaultHorizon = 8 * time.Hour
	// defaultSlack: небольшая добавка к моменту срабатывания, чтобы не прийти раньше сервера.
	defaultSlack = 70 * time.Millisecond
)

// Submitter: пул, в котором выполняются сработавшие задачи.
type Submitter interface {
	Go(ctx context.Context, tracker *concurrency.Tracker, name string, fn func(ctx context.Context))
}

// WakeFunc: работа по умолчанию для пробуждений, поставленных через ScheduleMany.
type WakeFunc func(ctx context.Context, targetID, resourceID string) error

// Maturity: ресурс цели и момент его созревания (по часам сервера).
type Maturity struct {
	ResourceID string
	MaturesAt  time.Time
}

// Options: зависимости и параметры планировщика.
type Options struct {
	Pool         Submitter
	Drift        *clock.Drift
	OnWake       WakeFunc
	Lead         time.Duration // упреждение по умолчанию для ScheduleMany
	PerTargetCap int
	GroupSize    int
	Horizon      time.Duration
	Slack        time.Duration
	Location     *time.Location
	Clock        func() time.Time
}

// Scheduler: очередь отложенных задач. Потокобезопасен.
type Scheduler struct {
	opts Options

	mu        sync.Mutex
	queue     taskHeap
	index     map[Key]*Task
	perTarget map[string]int

	wakeCh chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New создаёт планировщик. Диспетчер запускается через Start.
func New(opts Options) *Scheduler {
	if opts.PerTargetCap <= 0 {
		opts.PerTargetCap = DefaultPerTargetCap
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = defaultGroupSize
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.Slack < 0 {
		opts.Slack = 0
	} else if opts.Slack == 0 {
		opts.Slack = defaultSlack
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = clock.Location()
	}
	return &Scheduler{
		opts:      opts,
		index:     make(map[Key]*Task),
		perTarget: make(map[string]int),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Start запускает горутину-диспетчер. Повторные вызовы игнорируются.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.mu.Unlock()
		s.wg.Go(s.loop)
	})
}

// Stop останавливает диспетчер и дожидается его выхода. Несработавшие
// задачи отбрасываются; уже запущенная работа не прерывается.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		pending := len(s.queue)
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		s.wg.Wait()
		if pending > 0 {
			logger.Infof("Scheduler: stopped with %d pending task(s)", pending)
		}
	})
}

// ScheduleWake планирует payload к моменту maturesAt − lead (по часам сервера,
// переведённым в локальные через Drift). Если задача с ключом (targetID,
// resourceID) уже живёт: пишет в лог и ничего не делает. Возвращает true,
// если задача поставлена.
func (s *Scheduler) ScheduleWake(targetID, resourceID string, maturesAt time.Time, lead time.Duration, payload Payload) bool {
	if payload == nil {
		return false
	}
	key := WakeKey(targetID, resourceID)
	fire := s.fireAt(maturesAt, lead)
	if fire.Sub(s.opts.Clock()) > s.opts.Horizon {
		logger.Debug("Scheduler: wake beyond horizon skipped",
			zap.String("key", key.String()), zap.Time("fire_at", fire))
		return false
	}
	task := &Task{
		Key:       key,
		FireAt:    fire,
		MaturesAt: maturesAt,
		payload:   payload,
	}

	s.mu.Lock()
	ok, reason := s.insertWakeLocked(task)
	s.mu.Unlock()

	if !ok {
		logger.Debug("Scheduler: wake not added",
			zap.String("key", key.String()), zap.String("reason", reason))
		return false
	}
	logger.Info("Scheduler: wake added",
		zap.String("key", key.String()),
		zap.Time("matures_at", maturesAt),
		zap.Time("fire_at", task.FireAt))
	s.signal()
	return true
}

// ScheduleMany ставит пробуждения для нескольких ресурсов одной цели с работой
// по умолчанию (Options.OnWake). Уже живые ключи пропускаются; общее число
// живых пробуждений цели не превышает PerTargetCap (остаток отбрасывается
// с записью в лог, приоритет у ранее созревающих). Вставка идёт группами,
// чтобы не дёргать диспетчер на каждую задачу. Возвращает число поставленных задач.
func (s *Scheduler) ScheduleMany(targetID string, items []Maturity) int {
	if len(items) == 0 || s.opts.OnWake == nil {
		return 0
	}
	now := s.opts.Clock()
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b Maturity) int { return a.MaturesAt.Compare(b.MaturesAt) })

	added, capped := 0, 0
	for _, group := range concurrency.Chunk(sorted, s.opts.GroupSize) {
		s.mu.Lock()
		for _, it := range group {
			resourceID := it.ResourceID
			fire := s.fireAt(it.MaturesAt, s.opts.Lead)
			if fire.Sub(now) > s.opts.Horizon {
				continue
			}
			task := &Task{
				Key:       WakeKey(targetID, resourceID),
				FireAt:    fire,
				MaturesAt: it.MaturesAt,
				payload: func(ctx context.Context) error {
					return s.opts.OnWake(ctx, targetID, resourceID)
				},
			}
			switch ok, reason := s.insertWakeLocked(task); {
			case ok:
				added++
			case reason == reasonCapReached:
				capped++
			}
		}
		s.mu.Unlock()
		s.signal()
	}
	if capped > 0 {
		logger.Warn("Scheduler: per-target wake cap reached",
			zap.String("target", targetID),
			zap.Int("cap", s.opts.PerTargetCap),
			zap.Int("dropped", capped))
	}
	if added > 0 {
		logger.Info("Scheduler: wakes added",
			zap.String("target", targetID), zap.Int("count", added))
	}
	return added
}

// ScheduleTimeWindow ставит payload на ближайшее наступление каждого из
// заданных времён суток ("HHMM" или "HH:MM") в таймзоне приложения. Задача
// на тот же абсолютный момент заменяется новой. Возвращает число поставленных задач.
func (s *Scheduler) ScheduleTimeWindow(times []string, payload Payload) int {
	if payload == nil {
		return 0
	}
	now := s.opts.Clock()
	added := 0
	for _, raw := range times {
		hour, minute, ok := timeutil.ParseClock(raw)
		if !ok {
			logger.Warn("Scheduler: invalid clock time skipped", zap.String("value", raw))
			continue
		}
		at := timeutil.NextClock(now, s.opts.Location, hour, minute)
		task := &Task{Key: WindowKey(at), FireAt: at, payload: payload}

		s.mu.Lock()
		if old, exists := s.index[task.Key]; exists {
			s.removeLocked(old)
			logger.Debug("Scheduler: window task replaced", zap.String("key", task.Key.String()))
		}
		s.pushLocked(task)
		s.mu.Unlock()
		added++
	}
	if added > 0 {
		s.signal()
	}
	return added
}

// Has сообщает, живёт ли задача с ключом key.
func (s *Scheduler) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// Cancel удаляет задачу, если она ещё не сработала.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.index[key]
	if !ok {
		return false
	}
	s.removeLocked(task)
	return true
}

// Len: число живых задач.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PendingFor: число живых пробуждений цели.
func (s *Scheduler) PendingFor(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perTarget[targetID]
}

// Next возвращает момент ближайшего срабатывания.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.queue.peek(); t != nil {
		return t.FireAt, true
	}
	return time.Time{}, false
}

// fireAt переводит серверный момент созревания в локальный момент срабатывания.
func (s *Scheduler) fireAt(maturesAt time.Time, lead time.Duration) time.Time {
	at := maturesAt.Add(-lead)
	if s.opts.Drift != nil {
		at = s.opts.Drift.Correct(at)
	}
	return at.Add(s.opts.Slack)
}

// insertWakeLocked вставляет пробуждение с проверкой дубликата и лимита цели.
// Причины отказа во вставке пробуждения.
const (
	reasonDuplicate  = "already scheduled"
	reasonCapReached = "per-target cap reached"
)

func (s *Scheduler) insertWakeLocked(task *Task) (bool, string) {
	if _, exists := s.index[task.Key]; exists {
		return false, reasonDuplicate
	}
	if s.perTarget[task.Key.TargetID] >= s.opts.PerTargetCap {
		return false, reasonCapReached
	}
	s.pushLocked(task)
	return true, ""
}

func (s *Scheduler) pushLocked(task *Task) {
	heap.Push(&s.queue, task)
	s.index[task.Key] = task
	if task.Key.Kind == KindWake {
		s.perTarget[task.Key.TargetID]++
	}
}

func (s *Scheduler) removeLocked(task *Task) {
	if task.index >= 0 && task.index < len(s.queue) && s.queue[task.index] == task {
		heap.Remove(&s.queue, task.index)
	}
	delete(s.index, task.Key)
	if task.Key.Kind == KindWake {
		if n := s.perTarget[task.Key.TargetID] - 1; n > 0 {
			s.perTarget[task.Key.TargetID] = n
		} else {
			delete(s.perTarget, task.Key.TargetID)
		}
	}
}

// signal будит диспетчер без блокировки (буфер 1).
func (s *Scheduler) signal() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// loop: диспетчер: извлекает наступившие задачи и спит до следующей.
func (s *Scheduler) loop() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.takeDue()
		for _, task := range due {
			s.fire(ctx, task)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// takeDue извлекает все задачи с наступившим моментом и возвращает паузу до
// следующей (-1, если очередь пуста).
func (s *Scheduler) takeDue() ([]*Task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	var due []*Task
	for {
		top := s.queue.peek()
		if top == nil {
			return due, -1
		}
		if wait := top.FireAt.Sub(now); wait > 0 {
			return due, wait
		}
		s.removeLocked(top)
		due = append(due, top)
	}
}

// fire запускает работу задачи в пуле; ошибки и паники гасятся здесь.
func (s *Scheduler) fire(ctx context.Context, task *Task) {
	name := task.Key.String()
	run := func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Scheduler: task panicked",
					zap.String("key", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		logger.Debug("Scheduler: firing", zap.String("key", name), zap.Time("fire_at", task.FireAt))
		if err := task.payload(ctx); err != nil {
			logger.Warn("Scheduler: task failed", zap.String("key", name), zap.Error(err))
		}
	}
	if s.opts.Pool != nil {
		s.opts.Pool.Go(ctx, nil, name, run)
		return
	}
	go run(ctx)
}

// String: краткая сводка для логов.
func (s *Scheduler) String() string {
	next, ok := s.Next()
	if !ok {
		return fmt.Sprintf("scheduler{tasks=%d}", s.Len())
	}
	return fmt.Sprintf("scheduler{tasks=%d next=%s}", s.Len(), next.Format(time.TimeOnly))
}
