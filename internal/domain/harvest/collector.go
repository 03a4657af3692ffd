package harvest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/kr/pretty"
	"go.uber.org/zap"

	"energy-harvester/internal/domain/schedule"
	"energy-harvester/internal/infra/concurrency"
	"energy-harvester/internal/infra/logger"
)

const (
	defaultInlineRanking = 20
	defaultOuterBatch    = 30
	defaultInnerBatch    = 6
	defaultCollectGroup  = 6
	defaultWaitTimeout   = 30 * time.Minute
)

// Breaker: предохранитель с точки зрения прохода.
type Breaker interface {
	Gate
	Refresh(ctx context.Context) (bool, error)
	PausedUntil() time.Time
}

// Pool: общий ограниченный пул.
type Pool interface {
	Submitter
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// WakeScheduler принимает незрелые ресурсы цели.
type WakeScheduler interface {
	ScheduleMany(targetID string, items []schedule.Maturity) int
}

// CollectorConfig: параметры прохода.
type CollectorConfig struct {
	SelfID string
	// InlineRanking: сколько первых строк рейтинга обрабатывается сразу,
	// без дозапроса метаданных.
	InlineRanking int
	OuterBatch    int
	InnerBatch    int
	// CollectGroup: сколько ресурсов собирается одним комбинированным запросом.
	CollectGroup int
	WaitTimeout  time.Duration
}

// Collector: верхний драйвер прохода: перечисляет цели, раздаёт работу в пул,
// ждёт её завершения и очищает кэши прохода.
type Collector struct {
	api     *API
	machine *Machine
	breaker Breaker
	pool    Pool
	wakes   WakeScheduler
	cfg     CollectorConfig
	now     func() time.Time

	seq atomic.Int64
}

// NewCollector создаёт драйвер. wakes может быть nil: тогда незрелые ресурсы
// просто ждут следующего прохода.
func NewCollector(api *API, machine *Machine, br Breaker, pool Pool, wakes WakeScheduler, cfg CollectorConfig) *Collector {
	if cfg.InlineRanking <= 0 {
		cfg.InlineRanking = defaultInlineRanking
	}
	if cfg.OuterBatch <= 0 {
		cfg.OuterBatch = defaultOuterBatch
	}
	if cfg.InnerBatch <= 0 {
		cfg.InnerBatch = defaultInnerBatch
	}
	if cfg.CollectGroup <= 0 {
		cfg.CollectGroup = defaultCollectGroup
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Collector{
		api:     api,
		machine: machine,
		breaker: br,
		pool:    pool,
		wakes:   wakes,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run выполняет один полный проход с новым RunContext.
func (c *Collector) Run(ctx context.Context) Summary {
	id := fmt.Sprintf("%d", c.seq.Add(1))
	return c.RunWith(ctx, NewRunContext(id, c.now()))
}

// RunWith выполняет проход в переданном контексте. Кэши rc очищаются при
// любом исходе, включая панику.
func (c *Collector) RunWith(ctx context.Context, rc *RunContext) (summary Summary) {
	status := RunCompleted
	defer rc.Caches.Clear()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Collector: run panicked",
				zap.String("run", rc.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			status = RunFailed
		}
		summary = rc.Summary(status, c.now())
		c.report(summary)
	}()

	if c.breaker != nil {
		paused, err := c.breaker.Refresh(ctx)
		if err != nil {
			logger.Warn("Collector: breaker state not refreshed", zap.Error(err))
		}
		if paused {
			logger.Info("Collector: run suppressed by breaker",
				zap.Time("paused_until", c.breaker.PausedUntil()))
			status = RunSuppressed
			return summary
		}
	}
	logger.Info("Collector: run started", zap.String("run", rc.ID))

	if c.cfg.SelfID != "" {
		self := Target{ID: c.cfg.SelfID, Kind: KindSelf}
		_ = c.pool.Do(ctx, "self|"+self.ID, func(ctx context.Context) error {
			c.processTarget(ctx, rc, self, OriginSelf)
			return nil
		})
	}

	c.processRanking(ctx, rc)

	if !rc.Tracker.Wait(ctx, c.cfg.WaitTimeout) {
		status = RunTimedOut
		logger.Warn("Collector: in-flight work not drained in time",
			zap.String("run", rc.ID),
			zap.Duration("timeout", c.cfg.WaitTimeout),
			zap.Int64("in_flight", rc.Tracker.Count()))
	}
	return summary
}

// processRanking обрабатывает рейтинг: первые InlineRanking целей сразу через
// пул, остальные: внешними пакетами с дозапросом метаданных и вложенными
// подпакетами. Возвращается, когда обе группы пакетов завершились.
func (c *Collector) processRanking(ctx context.Context, rc *RunContext) {
	entries, err := c.api.Ranking(ctx)
	if err != nil {
		c.onQueryError(err, OpRanking)
		return
	}
	entries = c.withoutSelf(entries)

	inline, rest := entries, []RankEntry(nil)
	if len(entries) > c.cfg.InlineRanking {
		inline, rest = entries[:c.cfg.InlineRanking], entries[c.cfg.InlineRanking:]
	}
	for _, entry := range inline {
		if entry.Filled && !entry.CanCollect {
			continue
		}
		target := entry.Target
		c.pool.Go(ctx, rc.Tracker, "ranking|"+target.ID, func(ctx context.Context) {
			c.processTarget(ctx, rc, target, OriginRanking)
		})
	}
	if len(rest) == 0 {
		return
	}

	logger.Debug("Collector: ranking remainder in batches",
		zap.Int("inline", len(inline)), zap.Int("batched", len(rest)))
	err = concurrency.RunBatches(ctx, rest, c.cfg.OuterBatch, func(ctx context.Context, _ int, chunk []RankEntry) {
		c.processChunk(ctx, rc, chunk)
	})
	if err != nil {
		logger.Warn("Collector: batch join interrupted", zap.Error(err))
	}
}

// processChunk дозапрашивает доступность целей пакета и раздаёт доступные
// по подпакетам. Возвращается после завершения внутренней группы.
func (c *Collector) processChunk(ctx context.Context, rc *RunContext, chunk []RankEntry) {
	if c.breaker != nil && !c.breaker.Allow() {
		return
	}
	ids := make([]string, 0, len(chunk))
	for _, entry := range chunk {
		ids = append(ids, entry.Target.ID)
	}
	filled, err := c.api.FillRanking(ctx, ids)
	if err != nil {
		c.onQueryError(err, OpFillRanking)
		return
	}
	names := make(map[string]string, len(chunk))
	for _, entry := range chunk {
		names[entry.Target.ID] = entry.Target.Name
	}
	collectable := make([]Target, 0, len(filled))
	for _, entry := range filled {
		if entry.Filled && !entry.CanCollect {
			continue
		}
		target := entry.Target
		if target.Name == "" {
			target.Name = names[target.ID]
		}
		collectable = append(collectable, target)
	}
	if len(collectable) == 0 {
		return
	}

	err = concurrency.RunBatches(ctx, collectable, c.cfg.InnerBatch, func(ctx context.Context, _ int, sub []Target) {
		for _, target := range sub {
			_ = c.pool.Do(ctx, "batch|"+target.ID, func(ctx context.Context) error {
				c.processTarget(ctx, rc, target, OriginBatch)
				return nil
			})
		}
	})
	if err != nil {
		logger.Warn("Collector: sub-batch join interrupted", zap.Error(err))
	}
}

// processTarget: листинг цели, сбор доступного и постановка незрелого в планировщик.
func (c *Collector) processTarget(ctx context.Context, rc *RunContext, target Target, origin Origin) {
	if reason, skip := rc.Caches.Skip(target.ID); skip {
		logger.Debug("Collector: target skipped", zap.String("target", target.Label()), zap.String("reason", reason))
		return
	}
	if !rc.Caches.MarkCollected(target) {
		return
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return
	}
	rc.targets.Add(1)

	listing, err := c.api.ListResources(ctx, target)
	if err != nil {
		c.onQueryError(err, OpListResource)
		return
	}
	target = listing.Target
	if listing.Protected != "" && target.Kind != KindSelf {
		rc.Caches.MarkProtected(target.ID, listing.Protected)
		logger.Debug("Collector: target protected",
			zap.String("target", target.Label()), zap.String("reason", listing.Protected))
		return
	}

	ref := listing.ServerTime
	if ref.IsZero() {
		ref = c.now()
	}
	var available []string
	var immature []schedule.Maturity
	for _, res := range listing.Resources {
		switch res.Status {
		case StatusAvailable:
			available = append(available, res.ID)
		case StatusWaiting:
			if res.MaturesAt.After(ref) {
				immature = append(immature, schedule.Maturity{ResourceID: res.ID, MaturesAt: res.MaturesAt})
				continue
			}
			// Созрел между ответом сервера и разбором: собираем сразу.
			logger.Debug("Collector: waiting resource already mature",
				zap.String("target", target.Label()), zap.String("resource", res.ID))
			available = append(available, res.ID)
		}
	}
	if len(available) == 0 && len(immature) == 0 {
		rc.Caches.MarkEmpty(target.ID, c.now())
		return
	}
	if len(immature) > 0 && c.wakes != nil {
		if n := c.wakes.ScheduleMany(target.ID, immature); n > 0 {
			rc.wakes.Add(int64(n))
		}
	}

	for _, group := range concurrency.Chunk(available, c.cfg.CollectGroup) {
		res := c.machine.Run(ctx, rc, NewAttempt(target, group, origin))
		if res.Suppressed || res.Kind == KindTransportThrottled {
			return
		}
	}
}

// Wake: работа пробуждения: одиночная цепочка сбора одного ресурса вне
// кэшей прохода. Ошибка возвращается планировщику только для лога.
func (c *Collector) Wake(ctx context.Context, targetID, resourceID string) error {
	if c.breaker != nil && !c.breaker.Allow() {
		logger.Debug("Collector: wake suppressed by breaker", zap.String("target", targetID))
		return nil
	}
	rc := NewRunContext("wake", c.now())
	target := Target{ID: targetID, Kind: KindScheduled}
	if targetID == c.cfg.SelfID {
		target.Kind = KindSelf
	}
	res := c.machine.Run(ctx, rc, NewAttempt(target, []string{resourceID}, OriginWake))
	logger.Info("Collector: wake finished",
		zap.String("target", targetID),
		zap.String("resource", resourceID),
		zap.Stringer("state", res.State),
		zap.Int64("collected", res.Collected))
	if res.State == StateHardFailTerminal && !res.Suppressed {
		return res.Err
	}
	return nil
}

func (c *Collector) withoutSelf(entries []RankEntry) []RankEntry {
	if c.cfg.SelfID == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Target.ID != c.cfg.SelfID {
			out = append(out, e)
		}
	}
	return out
}

// onQueryError логирует ошибку запроса и размыкает предохранитель на троттлинге.
func (c *Collector) onQueryError(err error, op string) {
	if KindOf(err) == KindTransportThrottled && c.breaker != nil {
		c.breaker.Trip("throttled on " + op)
		return
	}
	logger.Warn("Collector: query failed", zap.String("op", op), zap.Error(err))
}

func (c *Collector) report(s Summary) {
	logger.Info("Collector: " + s.String())
	if logger.IsDebugEnabled() {
		logger.Debug("Collector: run summary\n" + pretty.Sprint(s))
	}
}
