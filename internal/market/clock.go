package market

import (
	"fmt"
	"sync"
	"time"
)

const (
	openMinute       = 9*60 + 30
	closeMinute      = 16 * 60
	earlyCloseMinute = 13 * 60
)

type yearCalendar struct {
	holidays    map[string]string
	skips       map[string]string
	earlyCloses map[string]string
}

// Clock answers session questions for a single exchange timezone. All
// methods take the instant to evaluate, so tests drive it with fixed times.
type Clock struct {
	loc         *time.Location
	prepStart   int // minutes after midnight, exchange time
	cooldownEnd int
	nowFn       func() time.Time
	mu          sync.Mutex
	yearCache   map[int]*yearCalendar
}

// NewClock builds a Clock for the given IANA timezone. prepStart and
// cooldownEnd are minutes after midnight in that timezone and bound the
// PREP and COOLDOWN phases around regular trading hours.
func NewClock(timezone string, prepStart, cooldownEnd int) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	if prepStart < 0 || prepStart > openMinute {
		return nil, fmt.Errorf("prep start %d outside [0,%d]", prepStart, openMinute)
	}
	if cooldownEnd < closeMinute || cooldownEnd >= 24*60 {
		return nil, fmt.Errorf("cooldown end %d outside [%d,1440)", cooldownEnd, closeMinute)
	}
	return &Clock{
		loc:         loc,
		prepStart:   prepStart,
		cooldownEnd: cooldownEnd,
		nowFn:       time.Now,
		yearCache:   make(map[int]*yearCalendar),
	}, nil
}

// SetNowFunc overrides the wall clock. Tests only.
func (c *Clock) SetNowFunc(fn func() time.Time) { c.nowFn = fn }

// Now returns the current instant in the exchange timezone.
func (c *Clock) Now() time.Time { return c.nowFn().In(c.loc) }

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) calendar(year int) *yearCalendar {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cal, ok := c.yearCache[year]; ok {
		return cal
	}
	cal := &yearCalendar{
		holidays:    marketHolidays(year),
		skips:       skipDays(year),
		earlyCloses: earlyCloses(year),
	}
	c.yearCache[year] = cal
	return cal
}

// TradingDate formats the instant's calendar date in exchange time.
func (c *Clock) TradingDate(t time.Time) string {
	return t.In(c.loc).Format(dateKey)
}

// IsTradingDay reports whether the exchange is open at all on the
// instant's date: a weekday that is not a market holiday.
func (c *Clock) IsTradingDay(t time.Time) bool {
	et := t.In(c.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.calendar(et.Year()).holidays[et.Format(dateKey)]
	return !holiday
}

// HolidayName returns the closure name when the date is a market holiday.
func (c *Clock) HolidayName(t time.Time) (string, bool) {
	et := t.In(c.loc)
	name, ok := c.calendar(et.Year()).holidays[et.Format(dateKey)]
	return name, ok
}

// IsSkipDay reports whether the engine sits out the date even though the
// exchange trades it. Skip days are still trading days for clock purposes.
func (c *Clock) IsSkipDay(t time.Time) (string, bool) {
	et := t.In(c.loc)
	if !c.IsTradingDay(t) {
		return "", false
	}
	reason, ok := c.calendar(et.Year()).skips[et.Format(dateKey)]
	return reason, ok
}

// IsEarlyClose reports whether the date closes at 13:00 exchange time.
func (c *Clock) IsEarlyClose(t time.Time) bool {
	et := t.In(c.loc)
	if !c.IsTradingDay(t) {
		return false
	}
	_, ok := c.calendar(et.Year()).earlyCloses[et.Format(dateKey)]
	return ok
}

// OpenTime returns 09:30 exchange time on the instant's date. It does not
// check whether the date trades.
func (c *Clock) OpenTime(t time.Time) time.Time {
	et := t.In(c.loc)
	return time.Date(et.Year(), et.Month(), et.Day(), openMinute/60, openMinute%60, 0, 0, c.loc)
}

// CloseTime returns the regular or half-day close on the instant's date.
func (c *Clock) CloseTime(t time.Time) time.Time {
	et := t.In(c.loc)
	minute := closeMinute
	if c.IsEarlyClose(t) {
		minute = earlyCloseMinute
	}
	return time.Date(et.Year(), et.Month(), et.Day(), minute/60, minute%60, 0, 0, c.loc)
}

// IsMarketOpen reports whether regular-hours trading is live at the instant.
func (c *Clock) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	et := t.In(c.loc)
	return !et.Before(c.OpenTime(t)) && et.Before(c.CloseTime(t))
}

// Phase resolves the session phase at the instant. Non-trading days are
// DARK end to end.
func (c *Clock) Phase(t time.Time) SessionPhase {
	if !c.IsTradingDay(t) {
		return PhaseDark
	}
	et := t.In(c.loc)
	minutes := et.Hour()*60 + et.Minute()
	closeAt := closeMinute
	if c.IsEarlyClose(t) {
		closeAt = earlyCloseMinute
	}
	switch {
	case minutes < c.prepStart:
		return PhaseDark
	case minutes < openMinute:
		return PhasePrep
	case minutes < closeAt:
		return PhaseOpen
	case minutes < c.cooldownEnd:
		return PhaseCooldown
	default:
		return PhaseDark
	}
}

// NextOpen returns the first 09:30 exchange-time open strictly after the
// instant.
func (c *Clock) NextOpen(t time.Time) time.Time {
	et := t.In(c.loc)
	for i := 0; i <= 30; i++ {
		day := et.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		open := c.OpenTime(day)
		if open.After(et) {
			return open
		}
	}
	// Unreachable: no exchange gap runs 30 calendar days.
	return time.Time{}
}

// NextClose returns the first close strictly after the instant.
func (c *Clock) NextClose(t time.Time) time.Time {
	et := t.In(c.loc)
	for i := 0; i <= 30; i++ {
		day := et.AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		closeAt := c.CloseTime(day)
		if closeAt.After(et) {
			return closeAt
		}
	}
	return time.Time{}
}

// NextMidnight returns the next midnight in exchange time strictly after
// the instant. Access tokens expire there.
func (c *Clock) NextMidnight(t time.Time) time.Time {
	et := t.In(c.loc)
	next := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	return next
}

// MinutesSinceOpen returns whole minutes elapsed since the day's open,
// negative before the bell.
func (c *Clock) MinutesSinceOpen(t time.Time) int {
	et := t.In(c.loc)
	return int(et.Sub(c.OpenTime(t)) / time.Minute)
}
