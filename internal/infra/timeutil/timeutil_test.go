package timeutil_test

import (
	"testing"
	"time"

	"energy-harvester/internal/infra/timeutil"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{in: "0700", h: 7, m: 0, wantOK: true},
		{in: "23:59", h: 23, m: 59, wantOK: true},
		{in: " 1230 ", h: 12, m: 30, wantOK: true},
		{in: "2400", wantOK: false},
		{in: "7:00", wantOK: false},
		{in: "12-30", wantOK: false},
		{in: "", wantOK: false},
	}
	for _, tc := range cases {
		h, m, ok := timeutil.ParseClock(tc.in)
		if ok != tc.wantOK || (ok && (h != tc.h || m != tc.m)) {
			t.Fatalf("ParseClock(%q) = %d:%d ok=%v, want %d:%d ok=%v", tc.in, h, m, ok, tc.h, tc.m, tc.wantOK)
		}
	}
}

func TestNextClock(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+03:00", 3*60*60)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)

	if got, want := timeutil.NextClock(now, loc, 17, 30), time.Date(2026, 3, 10, 17, 30, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("NextClock(later today) = %v, want %v", got, want)
	}
	if got, want := timeutil.NextClock(now, loc, 7, 0), time.Date(2026, 3, 11, 7, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("NextClock(passed) = %v, want %v", got, want)
	}
	if got, want := timeutil.NextClock(now, loc, 12, 0), time.Date(2026, 3, 11, 12, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("NextClock(now) = %v, want %v", got, want)
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"Europe/Moscow", "+03:00", "UTC+3", "GMT-04:30", "Z"} {
		if _, err := timeutil.ParseLocation(in); err != nil {
			t.Fatalf("ParseLocation(%q) error = %v", in, err)
		}
	}
	if _, err := timeutil.ParseLocation("Mars/Olympus"); err == nil {
		t.Fatal("ParseLocation(invalid) error = nil")
	}
}
