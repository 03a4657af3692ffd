package harvest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"energy-harvester/internal/infra/concurrency"
)

// RunStatus: итог ожидания прохода.
type RunStatus string

const (
	RunCompleted  RunStatus = "completed"
	RunTimedOut   RunStatus = "timed_out"
	RunSuppressed RunStatus = "suppressed"
	RunFailed     RunStatus = "failed"
)

// RunContext: состояние одного прохода. Передаётся по ссылке всем задачам
// прохода; глобальных счётчиков нет.
type RunContext struct {
	ID      string
	Started time.Time
	Tracker *concurrency.Tracker
	Caches  *RunCaches

	collected atomic.Int64
	attempts  atomic.Int64
	retries   atomic.Int64
	rechains  atomic.Int64
	failures  atomic.Int64
	claimed   atomic.Int64
	wakes     atomic.Int64
	grants    atomic.Int64
	targets   atomic.Int64

	perTarget sync.Map // targetID → *atomic.Int64
	granted   sync.Map // targetID → struct{}
}

// NewRunContext создаёт контекст прохода с пустыми кэшами.
func NewRunContext(id string, started time.Time) *RunContext {
	return &RunContext{
		ID:      id,
		Started: started,
		Tracker: concurrency.NewTracker(),
		Caches:  &RunCaches{},
	}
}

// Collected: собрано за проход.
func (rc *RunContext) Collected() int64 { return rc.collected.Load() }

// addCollected учитывает собранное количество.
func (rc *RunContext) addCollected(n int64) { rc.collected.Add(n) }

// addTargetCollected учитывает собранное с цели и возвращает её итог за проход.
func (rc *RunContext) addTargetCollected(targetID string, n int64) int64 {
	v, _ := rc.perTarget.LoadOrStore(targetID, new(atomic.Int64))
	return v.(*atomic.Int64).Add(n)
}

// claimGrant резервирует ответный подарок цели: не больше одного за проход.
func (rc *RunContext) claimGrant(targetID string) bool {
	_, loaded := rc.granted.LoadOrStore(targetID, struct{}{})
	return !loaded
}

// Summary: агрегированная сводка прохода для логов.
type Summary struct {
	RunID     string
	Status    RunStatus
	Duration  time.Duration
	Targets   int64
	Collected int64
	Attempts  int64
	Retries   int64
	Rechains  int64
	Failures  int64
	Claimed   int64
	Wakes     int64
	Grants    int64
	InFlight  int64
}

// Summary снимает текущие значения счётчиков.
func (rc *RunContext) Summary(status RunStatus, now time.Time) Summary {
	return Summary{
		RunID:     rc.ID,
		Status:    status,
		Duration:  now.Sub(rc.Started).Round(time.Millisecond),
		Targets:   rc.targets.Load(),
		Collected: rc.collected.Load(),
		Attempts:  rc.attempts.Load(),
		Retries:   rc.retries.Load(),
		Rechains:  rc.rechains.Load(),
		Failures:  rc.failures.Load(),
		Claimed:   rc.claimed.Load(),
		Wakes:     rc.wakes.Load(),
		Grants:    rc.grants.Load(),
		InFlight:  rc.Tracker.Count(),
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("run %s %s in %s: targets=%d collected=%d attempts=%d retries=%d rechains=%d failures=%d claimed=%d wakes=%d grants=%d in_flight=%d",
		s.RunID, s.Status, s.Duration, s.Targets, s.Collected, s.Attempts, s.Retries, s.Rechains,
		s.Failures, s.Claimed, s.Wakes, s.Grants, s.InFlight)
}
