package market

import "time"

// easter returns Easter Sunday for a year using the anonymous Gregorian
// computus.
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// nthWeekday returns the nth given weekday of a month (n starts at 1).
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the last given weekday of a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	last := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	offset := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// observe shifts a fixed-date holiday off the weekend: Sunday observes
// Monday, Saturday observes the prior Friday. New Year's Day is the
// exchange's exception: a Saturday January 1 is simply not observed, the
// prior Friday stays a trading day.
func observe(d time.Time, newYears bool) (time.Time, bool) {
	switch d.Weekday() {
	case time.Saturday:
		if newYears {
			return d, false
		}
		return d.AddDate(0, 0, -1), true
	case time.Sunday:
		return d.AddDate(0, 0, 1), true
	default:
		return d, true
	}
}

const dateKey = "2006-01-02"

// marketHolidays returns the exchange closure dates for a year, keyed by
// YYYY-MM-DD, valued by holiday name.
func marketHolidays(year int) map[string]string {
	holidays := make(map[string]string, 12)
	add := func(d time.Time, name string) {
		holidays[d.Format(dateKey)] = name
	}
	addObserved := func(d time.Time, name string, newYears bool) {
		if obs, ok := observe(d, newYears); ok {
			add(obs, name)
		}
	}

	addObserved(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), "New Year's Day", true)
	add(nthWeekday(year, time.January, time.Monday, 3), "Martin Luther King Jr. Day")
	add(nthWeekday(year, time.February, time.Monday, 3), "Presidents' Day")
	add(easter(year).AddDate(0, 0, -2), "Good Friday")
	add(lastWeekday(year, time.May, time.Monday), "Memorial Day")
	if year >= 2022 {
		// The exchange first closed for Juneteenth in 2022.
		addObserved(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC), "Juneteenth", false)
	}
	addObserved(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC), "Independence Day", false)
	add(nthWeekday(year, time.September, time.Monday, 1), "Labor Day")
	add(nthWeekday(year, time.November, time.Thursday, 4), "Thanksgiving")
	addObserved(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC), "Christmas", false)

	return holidays
}

// skipDays returns the low-volume dates the engine sits out even though the
// exchange is open, keyed by YYYY-MM-DD, valued by reason.
func skipDays(year int) map[string]string {
	skips := make(map[string]string, 10)
	add := func(d time.Time, name string) {
		skips[d.Format(dateKey)] = name
	}
	addWeekday := func(d time.Time, name string) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			add(d, name)
		}
	}

	add(nthWeekday(year, time.October, time.Monday, 2), "Indigenous Peoples' Day")
	addWeekday(time.Date(year, time.October, 31, 0, 0, 0, 0, time.UTC), "Halloween")
	addWeekday(time.Date(year, time.November, 11, 0, 0, 0, 0, time.UTC), "Veterans Day")

	thanksgiving := nthWeekday(year, time.November, time.Thursday, 4)
	add(thanksgiving.AddDate(0, 0, -1), "day before Thanksgiving")
	add(thanksgiving.AddDate(0, 0, 1), "Black Friday")

	addWeekday(time.Date(year, time.December, 24, 0, 0, 0, 0, time.UTC), "Christmas Eve")
	addWeekday(time.Date(year, time.December, 26, 0, 0, 0, 0, time.UTC), "day after Christmas")
	addWeekday(time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC), "New Year's Eve")
	addWeekday(time.Date(year, time.January, 2, 0, 0, 0, 0, time.UTC), "day after New Year's Day")

	return skips
}

// earlyCloses returns the 13:00 half-day dates for a year.
func earlyCloses(year int) map[string]string {
	halves := make(map[string]string, 3)
	add := func(d time.Time, name string) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			halves[d.Format(dateKey)] = name
		}
	}

	july4 := time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)
	if wd := july4.Weekday(); wd != time.Saturday && wd != time.Sunday && wd != time.Monday {
		add(july4.AddDate(0, 0, -1), "day before Independence Day")
	}

	thanksgiving := nthWeekday(year, time.November, time.Thursday, 4)
	add(thanksgiving.AddDate(0, 0, 1), "day after Thanksgiving")

	dec25 := time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)
	if dec25.Weekday() != time.Saturday { // a Saturday Christmas observes Friday the 24th
		add(dec25.AddDate(0, 0, -1), "Christmas Eve")
	}

	return halves
}
