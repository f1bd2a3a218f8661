// Package markethours models the NSE trading session (9:15 AM – 3:30 PM IST,
// Mon–Fri, excluding exchange holidays). Used to gate the live feed and to
// clamp backfill windows to tradable time.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// NSE holidays for 2026 (month, day). Source: NSE India official list.
var nseHolidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26}, {time.February, 17}, {time.March, 14},
	{time.March, 31}, {time.April, 2}, {time.April, 6},
	{time.April, 10}, {time.April, 14}, {time.May, 1},
	{time.June, 7}, {time.July, 6}, {time.August, 15},
	{time.August, 16}, {time.September, 5}, {time.October, 2},
	{time.October, 20}, {time.October, 21}, {time.November, 5},
	{time.November, 6}, {time.November, 7}, {time.November, 19},
	{time.December, 25},
}

var holidaySet = func() map[string]bool {
	set := make(map[string]bool, len(nseHolidays2026))
	for _, h := range nseHolidays2026 {
		set[dateKey(2026, h.month, h.day)] = true
	}
	return set
}()

func dateKey(y int, m time.Month, d int) string {
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// IsHoliday returns true if the date (in IST) is an NSE holiday.
func IsHoliday(t time.Time) bool {
	ist := t.In(IST)
	return holidaySet[dateKey(ist.Year(), ist.Month(), ist.Day())]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(t)
}

// IsMarketOpen returns true if t falls within the trading session.
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// TodayOpen returns the session open on t's date in IST.
func TodayOpen(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns the session close on t's date in IST.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// NextOpen returns the next session open at or after t.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	if ist.Before(TodayOpen(ist)) && IsTradingDay(ist) {
		return TodayOpen(ist)
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return TodayOpen(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return TodayOpen(ist.AddDate(0, 0, 1))
}

// prevClose returns the most recent session close at or before t.
func prevClose(t time.Time) time.Time {
	d := t.In(IST)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			cl := TodayClose(d)
			if !cl.After(t) {
				return cl
			}
			if TodayOpen(d).Before(t) {
				return cl // mid-session; caller clamps with min(t, close)
			}
		}
		d = d.AddDate(0, 0, -1)
	}
	return TodayClose(t)
}

// ClampWindow shrinks [from, to) onto tradable time: when `to` falls outside
// a session it is pulled back to the most recent close, and `from` keeps the
// window's original width. Returns ok=false when nothing tradable remains.
func ClampWindow(from, to time.Time) (time.Time, time.Time, bool) {
	if !to.After(from) {
		return from, to, false
	}
	width := to.Sub(from)

	if !IsMarketOpen(to) {
		to = prevClose(to)
		from = to.Add(-width)
	}
	if open := TodayOpen(to); from.Before(open) && IsTradingDay(to) {
		// Keep the window inside one session; earlier sessions come from the
		// scheduled cycle, not the immediate backfill.
		from = open
	}
	if !to.After(from) {
		return from, to, false
	}
	return from, to, true
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TodayClose(t).Sub(t.In(IST))))
	}
	next := NextOpen(t)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
