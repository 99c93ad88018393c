package market

import (
	"testing"
	"time"
)

func TestEasterKnownDates(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		day   int
	}{
		{2020, time.April, 12},
		{2021, time.April, 4},
		{2022, time.April, 17},
		{2023, time.April, 9},
		{2024, time.March, 31},
		{2025, time.April, 20},
		{2026, time.April, 5},
		{2030, time.April, 21},
		{2035, time.March, 25},
	}
	for _, tt := range tests {
		got := easter(tt.year)
		if got.Month() != tt.month || got.Day() != tt.day {
			t.Errorf("easter(%d) = %s, want %s %d", tt.year, got.Format("2006-01-02"), tt.month, tt.day)
		}
	}
}

func TestMarketHolidaysKnownDates(t *testing.T) {
	tests := []struct {
		date string
		name string
	}{
		{"2024-01-01", "New Year's Day"},
		{"2024-01-15", "Martin Luther King Jr. Day"},
		{"2024-02-19", "Presidents' Day"},
		{"2024-03-29", "Good Friday"},
		{"2024-05-27", "Memorial Day"},
		{"2024-06-19", "Juneteenth"},
		{"2024-07-04", "Independence Day"},
		{"2024-09-02", "Labor Day"},
		{"2024-11-28", "Thanksgiving"},
		{"2024-12-25", "Christmas"},
		{"2026-04-03", "Good Friday"},
		// Weekend observations.
		{"2022-06-20", "Juneteenth"},        // Jun 19 Sunday
		{"2021-07-05", "Independence Day"},  // Jul 4 Sunday
		{"2020-07-03", "Independence Day"},  // Jul 4 Saturday
		{"2021-12-24", "Christmas"},         // Dec 25 Saturday
		{"2023-01-02", "New Year's Day"},    // Jan 1 Sunday
	}
	for _, tt := range tests {
		d, err := time.Parse("2006-01-02", tt.date)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.date, err)
		}
		got, ok := marketHolidays(d.Year())[tt.date]
		if !ok {
			t.Errorf("%s: expected holiday %q, got none", tt.date, tt.name)
			continue
		}
		if got != tt.name {
			t.Errorf("%s: holiday = %q, want %q", tt.date, got, tt.name)
		}
	}
}

func TestMarketHolidaysAbsent(t *testing.T) {
	absent := []string{
		"2021-06-18", // exchange traded the Friday before Juneteenth became a closure
		"2021-06-19",
		"2022-01-01", // Saturday New Year's is not observed
		"2021-12-31", // and the prior Friday stays open
		"2024-07-03", // half day, not a closure
	}
	for _, date := range absent {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			t.Fatalf("parse %s: %v", date, err)
		}
		if name, ok := marketHolidays(d.Year())[date]; ok {
			t.Errorf("%s: unexpected holiday %q", date, name)
		}
	}
}

func TestHolidayMaskShape(t *testing.T) {
	for year := 2020; year <= 2035; year++ {
		holidays := marketHolidays(year)

		want := 9
		if year >= 2022 {
			want = 10
		}
		jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		if jan1.Weekday() == time.Saturday {
			want--
		}
		if len(holidays) != want {
			t.Errorf("%d: %d holidays, want %d", year, len(holidays), want)
		}

		for date, name := range holidays {
			d, err := time.Parse("2006-01-02", date)
			if err != nil {
				t.Fatalf("%d: bad holiday key %q", year, date)
			}
			if d.Year() != year {
				t.Errorf("%d: holiday %q leaked into %d", year, name, d.Year())
			}
			if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Errorf("%d: holiday %q observed on a weekend (%s)", year, name, date)
			}
			if name == "Good Friday" && d.Weekday() != time.Friday {
				t.Errorf("%d: Good Friday on a %s", year, d.Weekday())
			}
			if name == "Thanksgiving" && d.Weekday() != time.Thursday {
				t.Errorf("%d: Thanksgiving on a %s", year, d.Weekday())
			}
		}
	}
}

func TestSkipDays(t *testing.T) {
	skips := skipDays(2024)
	expected := []string{
		"2024-10-14", // Indigenous Peoples' Day
		"2024-10-31",
		"2024-11-11",
		"2024-11-27", // day before Thanksgiving
		"2024-11-29", // Black Friday
		"2024-12-24",
		"2024-12-26",
		"2024-12-31",
		"2024-01-02",
	}
	for _, date := range expected {
		if _, ok := skips[date]; !ok {
			t.Errorf("expected skip day %s missing", date)
		}
	}

	// Weekend-guarded skips drop out when they land on Saturday or Sunday.
	if _, ok := skipDays(2027)["2027-01-02"]; ok { // Saturday
		t.Error("2027-01-02 is a Saturday, should not be a skip day")
	}
	if _, ok := skipDays(2023)["2023-11-11"]; ok { // Saturday
		t.Error("2023-11-11 is a Saturday, should not be a skip day")
	}
}

func TestEarlyCloses(t *testing.T) {
	tests := []struct {
		date string
		want bool
	}{
		{"2024-07-03", true},  // Thursday July 4th
		{"2024-11-29", true},  // day after Thanksgiving
		{"2024-12-24", true},  // Wednesday Christmas
		{"2023-07-03", true},  // Tuesday July 4th
		{"2025-07-03", true},  // Friday July 4th
		{"2022-07-01", false}, // Monday July 4th keeps the prior Friday full
		{"2021-12-23", false}, // Saturday Christmas observes Friday the 24th, no half day
		{"2022-12-23", false}, // Sunday Christmas, Dec 24 is a Saturday
	}
	for _, tt := range tests {
		d, err := time.Parse("2006-01-02", tt.date)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.date, err)
		}
		_, ok := earlyCloses(d.Year())[tt.date]
		if ok != tt.want {
			t.Errorf("%s: early close = %v, want %v", tt.date, ok, tt.want)
		}
	}
}

func TestNthWeekday(t *testing.T) {
	// Third Monday of January 2024 is MLK day.
	if got := nthWeekday(2024, time.January, time.Monday, 3); got.Day() != 15 {
		t.Errorf("3rd Monday Jan 2024 = %d, want 15", got.Day())
	}
	// First Monday of September 2025 is Labor Day.
	if got := nthWeekday(2025, time.September, time.Monday, 1); got.Day() != 1 {
		t.Errorf("1st Monday Sep 2025 = %d, want 1", got.Day())
	}
}

func TestLastWeekday(t *testing.T) {
	// Last Monday of May 2024 is Memorial Day.
	if got := lastWeekday(2024, time.May, time.Monday); got.Day() != 27 {
		t.Errorf("last Monday May 2024 = %d, want 27", got.Day())
	}
	if got := lastWeekday(2021, time.May, time.Monday); got.Day() != 31 {
		t.Errorf("last Monday May 2021 = %d, want 31", got.Day())
	}
}
