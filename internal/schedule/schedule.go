// Package schedule classifies wall-clock time into exchange session windows.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

// Clock is a time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Exchange is a venue's trading calendar: weekdays only, one continuous
// session per day. Holidays are not modeled. A continuous exchange is always
// open and has no session windows.
type Exchange struct {
	Name       string
	Location   *time.Location
	Open       time.Duration // offset from local midnight
	Close      time.Duration
	Continuous bool
}

// New builds an exchange from a time zone name and HH:MM session bounds.
func New(name, timezone, open, close string) (*Exchange, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: loading time zone %q: %w", name, timezone, err)
	}
	openAt, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: open time: %w", name, err)
	}
	closeAt, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: close time: %w", name, err)
	}
	if closeAt <= openAt {
		return nil, fmt.Errorf("exchange %s: close %s is not after open %s", name, close, open)
	}
	return &Exchange{Name: name, Location: loc, Open: openAt, Close: closeAt}, nil
}

// NewContinuous builds an exchange that trades around the clock. Its
// trading day rolls over at local midnight.
func NewContinuous(name, timezone string) (*Exchange, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: loading time zone %q: %w", name, timezone, err)
	}
	return &Exchange{Name: name, Location: loc, Close: 24 * time.Hour, Continuous: true}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

type preset struct {
	timezone, open, close string
	continuous            bool
}

var presets = map[string]preset{
	"NYSE":   {timezone: "America/New_York", open: "09:30", close: "16:00"},
	"NASDAQ": {timezone: "America/New_York", open: "09:30", close: "16:00"},
	"LSE":    {timezone: "Europe/London", open: "08:00", close: "16:30"},
	"XETRA":  {timezone: "Europe/Berlin", open: "09:00", close: "17:30"},
	"MTA":    {timezone: "Europe/Rome", open: "09:00", close: "17:30"},
	"NSE":    {timezone: "Asia/Kolkata", open: "09:15", close: "15:30"},
	"CRYPTO": {timezone: "UTC", continuous: true},
}

// Preset returns a built-in exchange by name.
func Preset(name string) (*Exchange, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	p, ok := presets[key]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	if p.continuous {
		return NewContinuous(key, p.timezone)
	}
	return New(key, p.timezone, p.open, p.close)
}

// PresetNames lists the built-in exchanges.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Local converts t to the exchange's time zone.
func (e *Exchange) Local(t time.Time) time.Time {
	return t.In(e.Location)
}

// TradingDay returns the local date of t as YYYY-MM-DD.
func (e *Exchange) TradingDay(t time.Time) string {
	return e.Local(t).Format(time.DateOnly)
}

func (e *Exchange) sessionBounds(t time.Time) (open, close time.Time) {
	local := e.Local(t)
	at := func(offset time.Duration) time.Time {
		// wall-clock construction keeps DST transition days correct
		return time.Date(local.Year(), local.Month(), local.Day(),
			int(offset.Hours()), int(offset.Minutes())%60, 0, 0, e.Location)
	}
	return at(e.Open), at(e.Close)
}

// IsMarketDay reports whether t falls on a local weekday.
func (e *Exchange) IsMarketDay(t time.Time) bool {
	if e.Continuous {
		return true
	}
	wd := e.Local(t).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether t is within [open, close] on a market day.
func (e *Exchange) IsOpen(t time.Time) bool {
	if e.Continuous {
		return true
	}
	if !e.IsMarketDay(t) {
		return false
	}
	open, close := e.sessionBounds(t)
	return !t.Before(open) && !t.After(close)
}

// MinutesUntilOpen reports the minutes before today's open. ok is false on
// non-market days and once the open has passed.
func (e *Exchange) MinutesUntilOpen(t time.Time) (float64, bool) {
	if e.Continuous || !e.IsMarketDay(t) {
		return 0, false
	}
	open, _ := e.sessionBounds(t)
	mins := open.Sub(t).Minutes()
	if mins <= 0 {
		return 0, false
	}
	return mins, true
}

// MinutesUntilClose reports the minutes left in the session while open.
func (e *Exchange) MinutesUntilClose(t time.Time) (float64, bool) {
	if e.Continuous || !e.IsOpen(t) {
		return 0, false
	}
	_, close := e.sessionBounds(t)
	return close.Sub(t).Minutes(), true
}

// MinutesSinceOpen reports the minutes elapsed in the session while open.
func (e *Exchange) MinutesSinceOpen(t time.Time) (float64, bool) {
	if e.Continuous || !e.IsOpen(t) {
		return 0, false
	}
	open, _ := e.sessionBounds(t)
	return t.Sub(open).Minutes(), true
}

// IsPreMarketWindow reports 0 < minutes until open <= n.
func (e *Exchange) IsPreMarketWindow(t time.Time, n int) bool {
	mins, ok := e.MinutesUntilOpen(t)
	return ok && mins > 0 && mins <= float64(n)
}

// IsORBWindow reports 0 <= minutes since open <= n.
func (e *Exchange) IsORBWindow(t time.Time, n int) bool {
	mins, ok := e.MinutesSinceOpen(t)
	return ok && mins >= 0 && mins <= float64(n)
}

// IsClosingWindow reports 0 < minutes until close <= n.
func (e *Exchange) IsClosingWindow(t time.Time, n int) bool {
	mins, ok := e.MinutesUntilClose(t)
	return ok && mins > 0 && mins <= float64(n)
}

// NextOpen returns the next session open at or after t.
func (e *Exchange) NextOpen(t time.Time) time.Time {
	if e.Continuous {
		return t
	}
	open, _ := e.sessionBounds(t)
	if !t.Before(open) {
		open, _ = e.sessionBounds(e.Local(t).AddDate(0, 0, 1))
	}
	for wd := open.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = open.Weekday() {
		open, _ = e.sessionBounds(open.AddDate(0, 0, 1))
	}
	return open
}

func (e *Exchange) String() string {
	if e.Continuous {
		return fmt.Sprintf("%s (24/7, %s)", e.Name, e.Location)
	}
	return fmt.Sprintf("%s (%s %s–%s)", e.Name, e.Location, fmtClock(e.Open), fmtClock(e.Close))
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
