package harvest

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.uber.org/zap"

	"energy-harvester/internal/infra/concurrency"
	"energy-harvester/internal/infra/logger"
	"energy-harvester/internal/infra/throttle"
)

// State: состояние цепочки сбора.
type State uint8

const (
	StateInit State = iota
	StateIssued
	StateSuccessTerminal
	StateSuccessChain
	StateRateLimited
	StateSoftFailRetryable
	StateHardFailTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIssued:
		return "ISSUED"
	case StateSuccessTerminal:
		return "SUCCESS_TERMINAL"
	case StateSuccessChain:
		return "SUCCESS_CHAIN"
	case StateRateLimited:
		return "RATE_LIMITED"
	case StateSoftFailRetryable:
		return "SOFT_FAIL_RETRYABLE"
	case StateHardFailTerminal:
		return "HARD_FAIL_TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Gate: предохранитель с точки зрения цепочки.
type Gate interface {
	Allow() bool
	Trip(reason string) time.Time
}

// Submitter: пул для независимых побочных задач (ответный подарок).
type Submitter interface {
	Go(ctx context.Context, tracker *concurrency.Tracker, name string, fn func(ctx context.Context))
}

// GrantTier: ответный подарок Count, если цель дала не меньше MinCollected за проход.
type GrantTier struct {
	Count        int
	MinCollected int64
}

// GrantFor возвращает наибольший подарок, порог которого достигнут, или 0.
func GrantFor(tiers []GrantTier, collected int64) int {
	best := 0
	for _, tier := range tiers {
		if tier.MinCollected > 0 && collected >= tier.MinCollected && tier.Count > best {
			best = tier.Count
		}
	}
	return best
}

// MachineConfig: параметры цепочки.
type MachineConfig struct {
	MaxTries     int
	RetryDelay   time.Duration
	RechainDelay throttle.Policy // сэмплируется перед каждой повторной цепочкой
	Grants       []GrantTier
}

// Result: итог цепочки.
type Result struct {
	State      State
	Kind       ErrorKind
	Attempts   int
	Collected  int64
	Suppressed bool
	Err        error
}

// Machine выполняет цепочки сбора. Одна цепочка строго последовательна:
// каждая попытка ждёт ответа предыдущей, в том числе при повторной цепочке.
type Machine struct {
	api  *API
	gate Gate
	pool Submitter
	cfg  MachineConfig
}

// NewMachine создаёт автомат.
func NewMachine(api *API, gate Gate, pool Submitter, cfg MachineConfig) *Machine {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	return &Machine{api: api, gate: gate, pool: pool, cfg: cfg}
}

// Run проводит попытку через автомат до терминального состояния. Паника
// внутри цепочки перехватывается здесь и не выходит в пул или планировщик.
func (m *Machine) Run(ctx context.Context, rc *RunContext, attempt *Attempt) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Machine: chain panicked",
				zap.String("target", attempt.Target.Label()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			rc.failures.Add(1)
			res.State = StateHardFailTerminal
			res.Err = fmt.Errorf("chain panicked: %v", r)
		}
	}()

	state := StateInit
	for {
		switch state {
		case StateInit:
			attempt.TryCount = 0
			attempt.NeedRetry = false
			attempt.NeedRechain = false
			state = StateIssued

		case StateIssued:
			if m.gate != nil && !m.gate.Allow() {
				res.Suppressed = true
				res.Kind = KindTransportThrottled
				res.State = StateHardFailTerminal
				logger.Debug("Machine: suppressed by breaker", zap.String("target", attempt.Target.Label()))
				return res
			}
			state = m.issue(ctx, rc, attempt, &res)

		case StateRateLimited:
			until := time.Time{}
			if m.gate != nil {
				until = m.gate.Trip(fmt.Sprintf("throttled while collecting %s", attempt.Target.ID))
			}
			logger.Warn("Machine: platform throttling, chain stopped",
				zap.String("target", attempt.Target.Label()),
				zap.Time("paused_until", until))
			state = StateHardFailTerminal

		case StateSoftFailRetryable:
			attempt.NeedRetry = true
			rc.retries.Add(1)
			logger.Debug("Machine: retrying",
				zap.String("target", attempt.Target.Label()),
				zap.Int("try", attempt.TryCount),
				zap.Stringer("kind", res.Kind))
			state = StateIssued

		case StateSuccessChain:
			attempt.TryCount = 0
			attempt.NeedRetry = false
			attempt.NeedRechain = true
			rc.rechains.Add(1)
			state = StateIssued

		case StateSuccessTerminal, StateHardFailTerminal:
			res.State = state
			if state == StateHardFailTerminal && !res.Suppressed {
				rc.failures.Add(1)
			}
			m.afterChain(ctx, rc, attempt.Target, res.Collected)
			return res

		default:
			res.State = StateHardFailTerminal
			res.Err = fmt.Errorf("unexpected state %d", state)
			return res
		}
	}
}

// issue выдерживает темп, выполняет вызов и возвращает следующее состояние.
func (m *Machine) issue(ctx context.Context, rc *RunContext, attempt *Attempt, res *Result) State {
	var extra time.Duration
	switch {
	case attempt.NeedRechain:
		extra = m.cfg.RechainDelay.Sample(nil)
	case attempt.NeedRetry:
		extra = m.cfg.RetryDelay
	}

	req := collectRequest(attempt)
	rc.attempts.Add(1)
	res.Attempts++
	resp, _, callErr := m.api.do(ctx, req, extra)

	var (
		code      string
		collected []Collected
	)
	if callErr == nil && resp != nil && !resp.HasError {
		var err error
		code, collected, err = decodeCollect(resp.Body)
		if err != nil {
			res.Kind = KindParseFailure
			res.Err = err
			logger.Warn("Machine: malformed response",
				zap.String("target", attempt.Target.Label()), zap.Error(err))
			return StateHardFailTerminal
		}
	}

	res.Kind = Classify(m.api.Codes(), resp, callErr, code)
	switch res.Kind {
	case KindTransportThrottled:
		return StateRateLimited

	case KindTransportTransient, KindBusinessOther:
		errCode := code
		if resp != nil && resp.HasError {
			errCode = resp.ErrorCode
		}
		res.Err = &CallError{Kind: res.Kind, Operation: req.Operation, Code: errCode, Err: callErr}
		attempt.TryCount++
		if attempt.TryCount < m.cfg.MaxTries {
			return StateSoftFailRetryable
		}
		logger.Warn("Machine: giving up after max tries",
			zap.String("target", attempt.Target.Label()),
			zap.Int("tries", attempt.TryCount),
			zap.Error(res.Err))
		return StateHardFailTerminal

	case KindBusinessAlreadyClaimed:
		rc.claimed.Add(1)
		logger.Info("Machine: already claimed by someone else", zap.String("target", attempt.Target.Label()))
		return StateSuccessTerminal

	case KindParseFailure:
		res.Err = &CallError{Kind: res.Kind, Operation: req.Operation}
		return StateHardFailTerminal
	}

	res.Err = nil
	var again []string
	var amount int64
	for _, c := range collected {
		amount += c.Amount
		if c.CanCollectAgain && c.ResourceID != "" {
			again = append(again, c.ResourceID)
		}
	}
	res.Collected += amount
	rc.addCollected(amount)
	if amount > 0 {
		logger.Info("Machine: collected",
			zap.String("target", attempt.Target.Label()),
			zap.Int64("amount", amount),
			zap.Bool("rechain", attempt.NeedRechain))
	}
	if len(again) == 0 {
		return StateSuccessTerminal
	}
	slices.Sort(again)
	attempt.ResourceIDs = slices.Compact(again)
	return StateSuccessChain
}

// afterChain запускает ответный подарок, если цель перешла порог. Его исход
// не влияет на итог цепочки.
func (m *Machine) afterChain(ctx context.Context, rc *RunContext, target Target, collected int64) {
	if collected <= 0 || target.Kind == KindSelf || len(m.cfg.Grants) == 0 {
		return
	}
	total := rc.addTargetCollected(target.ID, collected)
	count := GrantFor(m.cfg.Grants, total)
	if count == 0 || !rc.claimGrant(target.ID) {
		return
	}
	run := func(ctx context.Context) {
		if m.gate != nil && !m.gate.Allow() {
			return
		}
		if err := m.api.Grant(ctx, target.ID, count); err != nil {
			if KindOf(err) == KindTransportThrottled && m.gate != nil {
				m.gate.Trip("throttled while granting")
			}
			logger.Warn("Machine: grant failed",
				zap.String("target", target.Label()), zap.Int("count", count), zap.Error(err))
			return
		}
		rc.grants.Add(1)
		logger.Info("Machine: grant sent",
			zap.String("target", target.Label()), zap.Int("count", count), zap.Int64("collected", total))
	}
	if m.pool == nil {
		go run(ctx)
		return
	}
	m.pool.Go(ctx, rc.Tracker, "grant|"+target.ID, run)
}
