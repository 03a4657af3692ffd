// Package app: сборка харвестера: конфигурация, хранилище предохранителя,
// темп, пул, оценка расхождения часов, планировщик, транспорт и драйвер
// прохода. Жизненным циклом узлов управляет lifecycle.Manager.
package app

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"energy-harvester/internal/adapters/rpc/httpjson"
	"energy-harvester/internal/domain/breaker"
	"energy-harvester/internal/domain/harvest"
	"energy-harvester/internal/domain/schedule"
	"energy-harvester/internal/infra/clock"
	"energy-harvester/internal/infra/concurrency"
	"energy-harvester/internal/infra/config"
	"energy-harvester/internal/infra/lifecycle"
	"energy-harvester/internal/infra/logger"
	"energy-harvester/internal/infra/storage"
	"energy-harvester/internal/infra/throttle"
	"energy-harvester/internal/infra/timeutil"
)

// driftWindow: окно усреднения расхождения часов и задержки.
const driftWindow = 5

// breakerBucket: бакет bbolt с отметкой паузы.
const breakerBucket = "breaker"

// App агрегирует зависимости харвестера.
type App struct {
	env       config.EnvConfig
	store     *storage.BoltStore
	breaker   *breaker.Breaker
	pacer     *throttle.Pacer
	pool      *concurrency.Dispatcher
	drift     *clock.Drift
	scheduler *schedule.Scheduler
	collector *harvest.Collector
	runner    *Runner
	nodes     *lifecycle.Manager
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация: в Init.
func NewApp() *App { return &App{} }

// Init собирает зависимости по снимку конфигурации.
func (a *App) Init(ctx context.Context, env config.EnvConfig) error {
	a.env = env

	loc, err := timeutil.ParseLocation(env.AppTimezone)
	if err != nil {
		return errors.Wrap(err, "parse APP_TIMEZONE")
	}
	clock.SetLocation(loc)

	if env.LogFile != "" {
		if err := storage.EnsureDir(env.LogFile); err != nil {
			return errors.Wrap(err, "log dir")
		}
		logger.EnableFile(logger.FileOptions{
			Path:       env.LogFile,
			Level:      env.LogFileLevel,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
			Compress:   env.LogFileCompress,
		})
	}

	if err := storage.EnsureDir(env.StateFile); err != nil {
		return errors.Wrap(err, "state dir")
	}
	a.store, err = storage.OpenBolt(env.StateFile, breakerBucket)
	if err != nil {
		return errors.Wrap(err, "open state store")
	}
	a.breaker = breaker.New(a.store, env.BreakerCooldown)

	a.pacer = newPacer(env)

	a.pool = concurrency.NewDispatcher(env.PoolSize)
	a.drift = clock.NewDrift(driftWindow)

	codes := harvest.Codes{
		Throttle:       env.ThrottleCode,
		AlreadyClaimed: env.AlreadyClaimedCode,
		Success:        harvest.DefaultCodes.Success,
	}
	transport, err := httpjson.New(httpjson.Options{
		BaseURL:      env.APIBaseURL,
		RPS:          env.GlobalRPS,
		ThrottleCode: env.ThrottleCode,
	})
	if err != nil {
		return errors.Wrap(err, "init transport")
	}
	api := harvest.NewAPI(transport, a.pacer, a.drift, codes)

	machine := harvest.NewMachine(api, a.breaker, a.pool, harvest.MachineConfig{
		MaxTries:     env.MaxTries,
		RetryDelay:   env.RetryInterval,
		RechainDelay: env.RechainInterval,
		Grants:       grantTiers(env.GrantThresholds),
	})

	// Работа пробуждения ссылается на collector, который собирается после планировщика.
	var collector *harvest.Collector
	a.scheduler = schedule.New(schedule.Options{
		Pool:     a.pool,
		Drift:    a.drift,
		Lead:     env.AdvanceLead,
		Location: loc,
		OnWake: func(ctx context.Context, targetID, resourceID string) error {
			return collector.Wake(ctx, targetID, resourceID)
		},
	})
	collector = harvest.NewCollector(api, machine, a.breaker, a.pool, a.scheduler, harvest.CollectorConfig{
		SelfID:      env.SelfID,
		WaitTimeout: env.RunWaitTimeout,
	})
	a.collector = collector
	a.runner = NewRunner(collector, a.scheduler, env.CheckInterval, env.RunTimes)

	a.nodes = lifecycle.New(ctx)
	if err := a.registerNodes(); err != nil {
		return err
	}

	logger.Info("Harvester initialized",
		zap.String("platform", env.APIBaseURL),
		zap.String("self", env.SelfID),
		zap.Stringer("collect_interval", env.CollectInterval),
		zap.Int("pool", a.pool.Size()),
		zap.Strings("run_times", env.RunTimes))
	return nil
}

func (a *App) registerNodes() error {
	if err := a.nodes.Register("store", nil, nil, a.store.Close); err != nil {
		return err
	}
	err := a.nodes.Register("scheduler", []string{"store"}, func(ctx context.Context) error {
		a.scheduler.Start(ctx)
		return nil
	}, func() error {
		a.scheduler.Stop()
		return nil
	})
	if err != nil {
		return err
	}
	return a.nodes.Register("runner", []string{"scheduler"}, func(ctx context.Context) error {
		a.runner.Start(ctx)
		return nil
	}, func() error {
		a.runner.Wait()
		return nil
	})
}

// Run запускает узлы и блокируется до отмены ctx, затем гасит их в обратном порядке.
func (a *App) Run(ctx context.Context) error {
	if err := a.nodes.StartAll(); err != nil {
		_ = a.nodes.Shutdown()
		return errors.Wrap(err, "start nodes")
	}
	logger.Info("Harvester running")
	<-ctx.Done()
	logger.Info("Harvester stopping", zap.Int("pending_wakes", a.scheduler.Len()))
	return a.Close()
}

// Close останавливает узлы и закрывает файловый лог.
func (a *App) Close() error {
	var err error
	switch {
	case a.nodes != nil:
		err = a.nodes.Shutdown()
	case a.store != nil:
		err = a.store.Close()
	}
	logger.CloseFile()
	return err
}

// newPacer раскладывает интервалы конфигурации по ключам операций.
func newPacer(env config.EnvConfig) *throttle.Pacer {
	return throttle.New(
		throttle.WithDefaultPolicy(env.CollectInterval),
		throttle.WithPolicy(harvest.OpListResource, env.QueryInterval),
		throttle.WithPolicy(harvest.OpCollect, env.CollectInterval),
		throttle.WithPolicy(harvest.OpBatchCollect, env.CollectInterval),
		throttle.WithPolicy(harvest.OpGrant, env.CollectInterval),
		throttle.WithPolicy(harvest.OpRanking, env.RankingInterval),
		throttle.WithPolicy(harvest.OpFillRanking, env.FillInterval),
	)
}

// grantTiers переводит карту «подарок → порог» в отсортированный список.
func grantTiers(thresholds map[int]int64) []harvest.GrantTier {
	tiers := make([]harvest.GrantTier, 0, len(thresholds))
	for count, minCollected := range thresholds {
		tiers = append(tiers, harvest.GrantTier{Count: count, MinCollected: minCollected})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Count > tiers[j].Count })
	return tiers
}
