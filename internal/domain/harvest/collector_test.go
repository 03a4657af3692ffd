package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"energy-harvester/internal/domain/breaker"
	"energy-harvester/internal/domain/schedule"
	"energy-harvester/internal/infra/concurrency"
)

// platform: фейковая платформа с рейтингом из n целей.
type platform struct {
	mu      sync.Mutex
	n       int
	listed  map[string]int
	fills   [][]string
	panicOn string
	waiting map[string]time.Time
	bodies  map[string]string // готовый ответ листинга по цели
	collect map[string][]string
}

func newPlatform(n int) *platform {
	return &platform{
		n:       n,
		listed:  make(map[string]int),
		waiting: make(map[string]time.Time),
		bodies:  make(map[string]string),
		collect: make(map[string][]string),
	}
}

func (p *platform) Call(_ context.Context, req Request) (*Response, error) {
	if req.Operation == p.panicOn {
		panic("platform exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.Operation {
	case OpRanking:
		parts := make([]string, 0, p.n)
		for i := range p.n {
			if i < 20 {
				parts = append(parts, fmt.Sprintf(`{"userId":"u%02d","canCollect":true}`, i))
			} else {
				parts = append(parts, fmt.Sprintf(`{"userId":"u%02d"}`, i))
			}
		}
		return body(`{"resultCode":"SUCCESS","entries":[` + strings.Join(parts, ",") + `]}`), nil

	case OpFillRanking:
		ids := req.Args["userIds"].([]string)
		p.fills = append(p.fills, ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf(`{"userId":%q,"canCollect":true}`, id))
		}
		return body(`{"resultCode":"SUCCESS","entries":[` + strings.Join(parts, ",") + `]}`), nil

	case OpListResource:
		id := req.Args["userId"].(string)
		p.listed[id]++
		if b, ok := p.bodies[id]; ok {
			return body(b), nil
		}
		if at, ok := p.waiting[id]; ok {
			return body(fmt.Sprintf(`{"resultCode":"SUCCESS","bubbles":[{"id":"w1","status":"WAITING","produceTime":%d}]}`, at.UnixMilli())), nil
		}
		return body(`{"resultCode":"SUCCESS","bubbles":[{"id":"b1","status":"AVAILABLE"}]}`), nil

	default:
		id, _ := req.Args["userId"].(string)
		if one, ok := req.Args["bubbleId"].(string); ok {
			p.collect[id] = append(p.collect[id], one)
		}
		if many, ok := req.Args["bubbleIds"].([]string); ok {
			p.collect[id] = append(p.collect[id], many...)
		}
		return body(`{"resultCode":"SUCCESS","bubbles":[{"id":"b1","collected":2}]}`), nil
	}
}

func body(s string) *Response { return &Response{Body: []byte(s)} }

type recordingScheduler struct {
	mu    sync.Mutex
	items map[string][]schedule.Maturity
}

func (r *recordingScheduler) ScheduleMany(targetID string, items []schedule.Maturity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string][]schedule.Maturity)
	}
	r.items[targetID] = append(r.items[targetID], items...)
	return len(items)
}

func newCollector(p *platform, br Breaker, wakes WakeScheduler) *Collector {
	pool := concurrency.NewDispatcher(4)
	api := NewAPI(p, nil, nil, DefaultCodes)
	m := NewMachine(api, br, pool, MachineConfig{MaxTries: 2})
	return NewCollector(api, m, br, pool, wakes, CollectorConfig{WaitTimeout: 5 * time.Second})
}

func TestCollectorSplitsRankingInlineAndBatched(t *testing.T) {
	t.Parallel()

	p := newPlatform(25)
	c := newCollector(p, nil, nil)

	s := c.Run(context.Background())

	if s.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if len(p.listed) != 25 {
		t.Fatalf("listed %d targets, want 25", len(p.listed))
	}
	for id, n := range p.listed {
		if n != 1 {
			t.Fatalf("target %s listed %d times, want 1", id, n)
		}
	}
	if len(p.fills) != 1 || len(p.fills[0]) != 5 {
		t.Fatalf("fills = %v, want one batch of 5", p.fills)
	}
	if s.Targets != 25 || s.Collected != 50 {
		t.Fatalf("summary %+v, want 25 targets and 50 collected", s)
	}
}

func TestCollectorSkipsSelfInRankingAndProcessesItFirst(t *testing.T) {
	t.Parallel()

	p := newPlatform(3)
	c := newCollector(p, nil, nil)
	c.cfg.SelfID = "u01"

	c.Run(context.Background())

	if got := p.listed["u01"]; got != 1 {
		t.Fatalf("self listed %d times, want 1", got)
	}
	if len(p.listed) != 3 {
		t.Fatalf("listed %d targets, want 3", len(p.listed))
	}
}

func TestCollectorSchedulesImmatureResources(t *testing.T) {
	t.Parallel()

	p := newPlatform(2)
	at := time.Now().Add(10 * time.Minute).Truncate(time.Millisecond)
	p.waiting["u01"] = at
	wakes := &recordingScheduler{}
	c := newCollector(p, nil, wakes)

	s := c.Run(context.Background())

	got := wakes.items["u01"]
	if len(got) != 1 || got[0].ResourceID != "w1" || !got[0].MaturesAt.Equal(at) {
		t.Fatalf("scheduled %+v, want w1 at %s", got, at)
	}
	if s.Wakes != 1 {
		t.Fatalf("wakes = %d, want 1", s.Wakes)
	}
}

func TestCollectorClearsCaches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		panicOn string
		status  RunStatus
	}{
		{name: "success", status: RunCompleted},
		{name: "panic", panicOn: OpRanking, status: RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newPlatform(5)
			p.panicOn = tt.panicOn
			c := newCollector(p, nil, nil)
			rc := NewRunContext("t", time.Now())
			rc.Caches.MarkProtected("x", "shield")
			rc.Caches.MarkEmpty("y", time.Now())

			s := c.RunWith(context.Background(), rc)

			if s.Status != tt.status {
				t.Fatalf("status = %s, want %s", s.Status, tt.status)
			}
			if a, b, c := rc.Caches.Sizes(); a+b+c != 0 {
				t.Fatalf("caches not cleared: %d/%d/%d", a, b, c)
			}
		})
	}
}

func TestCollectorSuppressedByPersistedPause(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	_ = store.PutTime(breaker.PauseKey, time.Now().Add(time.Hour))
	br := breaker.New(store, time.Minute)
	p := newPlatform(3)
	c := newCollector(p, br, nil)

	s := c.Run(context.Background())

	if s.Status != RunSuppressed {
		t.Fatalf("status = %s, want suppressed", s.Status)
	}
	if len(p.listed) != 0 {
		t.Fatalf("suppressed run made %d listing calls", len(p.listed))
	}
}

func TestCollectorWakeCollectsSingleResource(t *testing.T) {
	t.Parallel()

	p := newPlatform(0)
	c := newCollector(p, nil, nil)

	if err := c.Wake(context.Background(), "u07", "b1"); err != nil {
		t.Fatalf("Wake: %v", err)
	}
}

func TestCollectorProcessTargetPopulatesCaches(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Minute).UnixMilli()
	tests := []struct {
		name      string
		target    Target
		listing   string
		protected bool
		empty     bool
		collected []string
	}{
		{
			name:      "protected friend",
			target:    Target{ID: "f1", Kind: KindFriend},
			listing:   `{"resultCode":"SUCCESS","protected":"shield","bubbles":[{"id":"b1","status":"AVAILABLE"}]}`,
			protected: true,
		},
		{
			name:      "protection ignored for self",
			target:    Target{ID: "me", Kind: KindSelf},
			listing:   `{"resultCode":"SUCCESS","protected":"shield","bubbles":[{"id":"b1","status":"AVAILABLE"}]}`,
			collected: []string{"b1"},
		},
		{
			name:    "nothing collectable",
			target:  Target{ID: "f2", Kind: KindFriend},
			listing: `{"resultCode":"SUCCESS","bubbles":[{"id":"b1","status":"CLAIMED"},{"id":"b2","status":"INSUFFICIENT"}]}`,
			empty:   true,
		},
		{
			name:      "waiting but already mature",
			target:    Target{ID: "f3", Kind: KindFriend},
			listing:   fmt.Sprintf(`{"resultCode":"SUCCESS","bubbles":[{"id":"w1","status":"WAITING","produceTime":%d}]}`, past),
			collected: []string{"w1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newPlatform(0)
			p.bodies[tt.target.ID] = tt.listing
			wakes := &recordingScheduler{}
			c := newCollector(p, nil, wakes)
			rc := NewRunContext("t", time.Now())

			c.processTarget(context.Background(), rc, tt.target, OriginRanking)

			if _, ok := rc.Caches.Protected(tt.target.ID); ok != tt.protected {
				t.Fatalf("protected = %v, want %v", ok, tt.protected)
			}
			if got := rc.Caches.Empty(tt.target.ID); got != tt.empty {
				t.Fatalf("empty = %v, want %v", got, tt.empty)
			}
			if got := strings.Join(p.collect[tt.target.ID], ","); got != strings.Join(tt.collected, ",") {
				t.Fatalf("collected %q, want %q", got, strings.Join(tt.collected, ","))
			}
			if len(wakes.items[tt.target.ID]) != 0 {
				t.Fatalf("unexpected wakes: %v", wakes.items[tt.target.ID])
			}
		})
	}
}
