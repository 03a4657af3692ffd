package throttle

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Policy описывает минимальный интервал между вызовами одной операции:
// либо фиксированный, либо случайный из [Min, Max). Случайный интервал
// сэмплируется на каждый вызов, чтобы поток запросов не был периодическим.
type Policy struct {
	Min time.Duration
	Max time.Duration
}

// Fixed возвращает политику с постоянным интервалом d.
func Fixed(d time.Duration) Policy {
	if d < 0 {
		d = 0
	}
	return Policy{Min: d, Max: d}
}

// Range возвращает политику с интервалом из [lo, hi). При hi <= lo
// политика вырождается в Fixed(lo).
func Range(lo, hi time.Duration) Policy {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return Fixed(lo)
	}
	return Policy{Min: lo, Max: hi}
}

// IsRange сообщает, что интервал выбирается случайно.
func (p Policy) IsRange() bool { return p.Max > p.Min }

// Sample возвращает интервал для очередного вызова. randFn возвращает число в [0,1);
// nil означает math/rand/v2.
func (p Policy) Sample(randFn func() float64) time.Duration {
	if !p.IsRange() {
		return p.Min
	}
	if randFn == nil {
		return p.Min + time.Duration(rand.Int64N(int64(p.Max-p.Min))) // #nosec G404
	}
	span := p.Max - p.Min
	off := time.Duration(randFn() * float64(span))
	if off >= span {
		off = span - 1
	}
	if off < 0 {
		off = 0
	}
	return p.Min + off
}

// String: форма, пригодная для логов и обратного разбора ParsePolicy.
func (p Policy) String() string {
	if p.IsRange() {
		return fmt.Sprintf("%d-%d", p.Min.Milliseconds(), p.Max.Milliseconds())
	}
	return strconv.FormatInt(p.Min.Milliseconds(), 10)
}

// ParsePolicy разбирает "1000" (фиксированно, мс) или "1000-1500" (диапазон, мс).
// Границы прижимаются к [lo, hi]. Пустая строка: ошибка.
func ParsePolicy(value string, lo, hi time.Duration) (Policy, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return Policy{}, fmt.Errorf("throttle: empty interval")
	}

	left, right, isRange := strings.Cut(v, "-")
	minMS, err := strconv.ParseInt(strings.TrimSpace(left), 10, 64)
	if err != nil {
		return Policy{}, fmt.Errorf("throttle: invalid interval %q: %w", value, err)
	}
	minD := clamp(time.Duration(minMS)*time.Millisecond, lo, hi)
	if !isRange {
		return Fixed(minD), nil
	}

	maxMS, err := strconv.ParseInt(strings.TrimSpace(right), 10, 64)
	if err != nil {
		return Policy{}, fmt.Errorf("throttle: invalid interval %q: %w", value, err)
	}
	maxD := clamp(time.Duration(maxMS)*time.Millisecond, lo, hi)
	if maxD < minD {
		minD, maxD = maxD, minD
	}
	return Range(minD, maxD), nil
}

// clamp прижимает d к [lo, hi]; hi <= 0 означает «без верхней границы».
func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
