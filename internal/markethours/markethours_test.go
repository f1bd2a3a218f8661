package markethours

import (
	"testing"
	"time"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, IST)
}

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid-session Tuesday", ist(2026, time.August, 25, 11, 0), true},
		{"exact open", ist(2026, time.August, 25, 9, 15), true},
		{"one minute before open", ist(2026, time.August, 25, 9, 14), false},
		{"exact close", ist(2026, time.August, 25, 15, 30), false},
		{"one minute before close", ist(2026, time.August, 25, 15, 29), true},
		{"Saturday", ist(2026, time.August, 29, 11, 0), false},
		{"Sunday", ist(2026, time.August, 30, 11, 0), false},
		{"Independence Day holiday", ist(2026, time.August, 15, 11, 0), false},
		{"Christmas holiday", ist(2026, time.December, 25, 11, 0), false},
	}
	for _, tc := range cases {
		if got := IsMarketOpen(tc.t); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestNextOpen(t *testing.T) {
	// Friday evening rolls to Monday morning.
	friEvening := ist(2026, time.August, 28, 18, 0)
	next := NextOpen(friEvening)
	want := ist(2026, time.August, 31, 9, 15)
	if !next.Equal(want) {
		t.Errorf("expected next open %v, got %v", want, next)
	}

	// Early weekday morning opens the same day.
	tueMorning := ist(2026, time.August, 25, 7, 0)
	if got := NextOpen(tueMorning); !got.Equal(ist(2026, time.August, 25, 9, 15)) {
		t.Errorf("expected same-day open, got %v", got)
	}
}

func TestClampWindow_MidSession(t *testing.T) {
	to := ist(2026, time.August, 25, 11, 0)
	from := to.Add(-2 * time.Hour)

	cf, ct, ok := ClampWindow(from, to)
	if !ok {
		t.Fatal("mid-session window must be tradable")
	}
	// 09:00 start pulls up to the 09:15 open; the end is untouched.
	if !cf.Equal(ist(2026, time.August, 25, 9, 15)) {
		t.Errorf("from: expected 09:15, got %v", cf)
	}
	if !ct.Equal(to) {
		t.Errorf("to must stay at 11:00, got %v", ct)
	}
}

func TestClampWindow_AfterClose(t *testing.T) {
	to := ist(2026, time.August, 25, 18, 0)
	from := to.Add(-2 * time.Hour)

	cf, ct, ok := ClampWindow(from, to)
	if !ok {
		t.Fatal("expected a tradable window")
	}
	if !ct.Equal(ist(2026, time.August, 25, 15, 30)) {
		t.Errorf("to must pull back to close, got %v", ct)
	}
	if !cf.Equal(ct.Add(-2 * time.Hour)) {
		t.Errorf("window width must be preserved, got from=%v", cf)
	}
}

func TestClampWindow_Weekend(t *testing.T) {
	// Sunday midday: window must land at Friday's close.
	to := ist(2026, time.August, 30, 12, 0)
	from := to.Add(-2 * time.Hour)

	cf, ct, ok := ClampWindow(from, to)
	if !ok {
		t.Fatal("expected a tradable window ending Friday")
	}
	friClose := ist(2026, time.August, 28, 15, 30)
	if !ct.Equal(friClose) {
		t.Errorf("to: expected Friday close, got %v", ct)
	}
	if !cf.Equal(friClose.Add(-2 * time.Hour)) {
		t.Errorf("from: expected 13:30 Friday, got %v", cf)
	}
}

func TestClampWindow_Empty(t *testing.T) {
	at := ist(2026, time.August, 25, 11, 0)
	if _, _, ok := ClampWindow(at, at); ok {
		t.Error("zero-width window must not be tradable")
	}
	if _, _, ok := ClampWindow(at.Add(time.Hour), at); ok {
		t.Error("inverted window must not be tradable")
	}
}
