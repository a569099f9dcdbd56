// Package clock provides wall-clock abstraction and exchange-session
// arithmetic. Everything that needs "now" takes a Clock so tests can pin
// time; everything that needs session boundaries goes through Calendar.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a settable clock for tests.
type Fake struct {
	T time.Time
}

func (f *Fake) Now() time.Time { return f.T }

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.T = t }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }

// Calendar answers exchange-session questions for a single venue timezone.
// CME-style futures session: opens Sunday 17:00 local, trades continuously
// with a 16:00–17:00 maintenance break, closes Friday 16:00. RTH (pit hours
// for the equity-index complex) are 08:30–15:00 local on weekdays.
type Calendar struct {
	loc *time.Location
}

// NewCalendar builds a calendar for the given IANA zone, e.g. "America/Chicago".
func NewCalendar(tz string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load exchange tz: %w", err)
	}
	return &Calendar{loc: loc}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsRTH reports whether t falls inside regular trading hours. Used to pick
// the historical-cache TTL.
func (c *Calendar) IsRTH(t time.Time) bool {
	lt := t.In(c.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := lt.Hour()*60 + lt.Minute()
	return mins >= 8*60+30 && mins < 15*60
}

// IsOpen reports whether the market is in session (globex hours).
func (c *Calendar) IsOpen(t time.Time) bool {
	lt := t.In(c.loc)
	mins := lt.Hour()*60 + lt.Minute()
	switch lt.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return mins >= 17*60
	case time.Friday:
		return mins < 16*60
	default:
		// daily maintenance break 16:00–17:00
		return mins < 16*60 || mins >= 17*60
	}
}

// SessionClose returns the 16:00 exchange-local close of the session that
// contains (or most recently preceded) t. Daily and longer bars align to it.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	lt := t.In(c.loc)
	close := time.Date(lt.Year(), lt.Month(), lt.Day(), 16, 0, 0, 0, c.loc)
	if lt.Before(close) {
		close = close.AddDate(0, 0, -1)
	}
	return close
}

// NextSessionClose returns the first 16:00 exchange-local close at or after t.
func (c *Calendar) NextSessionClose(t time.Time) time.Time {
	lt := t.In(c.loc)
	close := time.Date(lt.Year(), lt.Month(), lt.Day(), 16, 0, 0, 0, c.loc)
	if !lt.Before(close) {
		close = close.AddDate(0, 0, 1)
	}
	return close
}

// TradingDate returns the session date t belongs to. The session date rolls
// at the 17:00 local open, so Sunday evening trades stamp Monday's date.
func (c *Calendar) TradingDate(t time.Time) time.Time {
	lt := t.In(c.loc)
	if lt.Hour() >= 17 {
		lt = lt.AddDate(0, 0, 1)
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// NextLocalTime returns the first instant at or after t whose exchange-local
// wall clock reads hhmm ("HH:MM"). Used for EOD flatten and strategy windows.
func (c *Calendar) NextLocalTime(t time.Time, hhmm string) (time.Time, error) {
	h, m, err := ParseLocalTime(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	lt := t.In(c.loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), h, m, 0, 0, c.loc)
	if next.Before(lt) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// SameLocalDayAt returns t's exchange-local day at the wall clock hhmm.
func (c *Calendar) SameLocalDayAt(t time.Time, hhmm string) (time.Time, error) {
	h, m, err := ParseLocalTime(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), h, m, 0, 0, c.loc), nil
}

// ParseLocalTime splits "HH:MM" into hour and minute.
func ParseLocalTime(hhmm string) (int, int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid local time %q, want HH:MM", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return h, m, nil
}
