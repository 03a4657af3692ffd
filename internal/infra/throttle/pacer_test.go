package throttle_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"energy-harvester/internal/infra/throttle"
)

func TestPacerFixedIntervalRealDelay(t *testing.T) {
	t.Parallel()

	const interval = 200 * time.Millisecond
	p := throttle.New(throttle.WithPolicy("collect", throttle.Fixed(interval)))

	if first := p.Interval("collect"); first != 0 {
		t.Fatalf("first Interval() = %v, want 0", first)
	}
	stamp := time.Now()
	time.Sleep(50 * time.Millisecond)
	d := time.Since(stamp)

	got := p.Interval("collect")
	if got < interval-d {
		t.Fatalf("Interval() = %v after %v, want >= %v", got, d, interval-d)
	}
}

func TestPacerReservationsNeverOverlap(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	const interval = 100 * time.Millisecond
	p := throttle.New(
		throttle.WithPolicy("collect", throttle.Fixed(interval)),
		throttle.WithClock(func() time.Time { return base }),
	)

	const callers = 32
	var (
		mu     sync.Mutex
		sleeps []time.Duration
		wg     sync.WaitGroup
	)
	for range callers {
		wg.Go(func() {
			s := p.Interval("collect")
			mu.Lock()
			sleeps = append(sleeps, s)
			mu.Unlock()
		})
	}
	wg.Wait()

	slices.Sort(sleeps)
	for i, s := range sleeps {
		if want := time.Duration(i) * interval; s != want {
			t.Fatalf("reservation %d = %v, want %v", i, s, want)
		}
	}
}

func TestPacerExtraDelay(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p := throttle.New(
		throttle.WithPolicy("collect", throttle.Fixed(100*time.Millisecond)),
		throttle.WithClock(func() time.Time { return now }),
	)

	if got := p.Reserve("collect", 0); got != 0 {
		t.Fatalf("first Reserve() = %v, want 0", got)
	}
	// Повтор с паузой больше интервала: побеждает extra.
	if got := p.Reserve("collect", 300*time.Millisecond); got != 300*time.Millisecond {
		t.Fatalf("retry Reserve() = %v, want 300ms", got)
	}
	// Следующий обычный вызов встаёт за зарезервированным повтором.
	if got := p.Reserve("collect", 0); got != 400*time.Millisecond {
		t.Fatalf("next Reserve() = %v, want 400ms", got)
	}
}

func TestPacerKeysIndependent(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p := throttle.New(
		throttle.WithDefaultPolicy(throttle.Fixed(time.Second)),
		throttle.WithClock(func() time.Time { return now }),
	)
	p.Interval("a")
	if got := p.Interval("b"); got != 0 {
		t.Fatalf("Interval(b) = %v, want 0", got)
	}
	if got := p.Interval("a"); got != time.Second {
		t.Fatalf("Interval(a) = %v, want 1s", got)
	}
}

func TestRangePolicySampleBounds(t *testing.T) {
	t.Parallel()

	lo, hi := 500*time.Millisecond, 1500*time.Millisecond
	policy := throttle.Range(lo, hi)
	for i := range 10_000 {
		x := policy.Sample(nil)
		if x < lo || x >= hi {
			t.Fatalf("sample %d = %v, want in [%v, %v)", i, x, lo, hi)
		}
	}
	// Граничное значение генератора не должно давать hi.
	if x := policy.Sample(func() float64 { return 0.9999999999999999 }); x >= hi {
		t.Fatalf("Sample(~1) = %v, want < %v", x, hi)
	}
}

func TestPacerRangeReservations(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p := throttle.New(
		throttle.WithPolicy("rob", throttle.Range(200*time.Millisecond, 400*time.Millisecond)),
		throttle.WithClock(func() time.Time { return now }),
	)
	p.Interval("rob")
	prev := time.Duration(0)
	for range 1000 {
		got := p.Interval("rob")
		gap := got - prev
		if gap < 200*time.Millisecond || gap >= 400*time.Millisecond {
			t.Fatalf("gap %v out of [200ms,400ms)", gap)
		}
		prev = got
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	lo, hi := 200*time.Millisecond, 10*time.Second
	cases := []struct {
		name    string
		in      string
		want    throttle.Policy
		wantErr bool
	}{
		{name: "fixed", in: "1000", want: throttle.Fixed(time.Second)},
		{name: "range", in: "1000-1500", want: throttle.Range(time.Second, 1500*time.Millisecond)},
		{name: "swapped", in: "1500-1000", want: throttle.Range(time.Second, 1500*time.Millisecond)},
		{name: "clampLow", in: "50", want: throttle.Fixed(lo)},
		{name: "clampHigh", in: "500-60000", want: throttle.Range(500*time.Millisecond, hi)},
		{name: "spaces", in: " 300 - 700 ", want: throttle.Range(300*time.Millisecond, 700*time.Millisecond)},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "fast", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := throttle.ParsePolicy(tc.in, lo, hi)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParsePolicy(%q) error = nil, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePolicy(%q) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParsePolicy(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestPacerWaitCancelled(t *testing.T) {
	t.Parallel()

	p := throttle.New(throttle.WithPolicy("collect", throttle.Fixed(time.Hour)))
	p.Interval("collect")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, "collect", 0); err == nil {
		t.Fatal("Wait() error = nil, want context error")
	}
}
