package batchjob

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the minute-resolution layout of fire timestamps.
const TimestampLayout = "200601021504"

// shape is one of the supported field/wildcard combinations. The schedule
// grammar is deliberately restricted to these five; configuration tooling
// relies on everything else being rejected as a format error.
type shape int

const (
	shapeHourly  shape = iota // m * * * *
	shapeDaily                // m h * * *
	shapeMonthly              // m h d * *
	shapeYearly               // m h d M *
	shapeWeekly               // m h * * w
)

func classify(fields [5]string) (shape, error) {
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var set [5]bool
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			return 0, invalidSchedulef("%s: empty field", names[i])
		}
		set[i] = !isWildcard(f)
	}

	m, h, d, mo, w := set[0], set[1], set[2], set[3], set[4]
	switch {
	case !m:
		return 0, invalidSchedulef("minute must not be a wildcard")
	case !h && !d && !mo && !w:
		return shapeHourly, nil
	case h && !d && !mo && !w:
		return shapeDaily, nil
	case h && d && !mo && !w:
		return shapeMonthly, nil
	case h && d && mo && !w:
		return shapeYearly, nil
	case h && !d && !mo && w:
		return shapeWeekly, nil
	}
	return 0, invalidSchedulef("unsupported field combination %q", strings.Join(fields[:], " "))
}

// ParseSchedule splits a space-delimited schedule into its five fields.
func ParseSchedule(schedule string) ([5]string, error) {
	var fields [5]string
	tokens := strings.Fields(schedule)
	if len(tokens) != 5 {
		return fields, invalidSchedulef("expected 5 fields, got %d", len(tokens))
	}
	copy(fields[:], tokens)
	return fields, nil
}

// Window returns the end of the execution window that starts at now.
func Window(now time.Time, tickInterval, lookahead time.Duration) time.Time {
	return now.Add(tickInterval + lookahead)
}

// FireTime converts a fire timestamp back into an instant in loc.
func FireTime(timestamp string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, timestamp, loc)
	if err != nil {
		return time.Time{}, invalidSchedulef("fire timestamp %q: %v", timestamp, err)
	}
	return t, nil
}

// NextFireTimestamps returns, in ascending order, the fire timestamps of the
// schedule that fall inside [now, windowEnd] at minute resolution.
//
// Matching values are laid out as fixed-width strings from the most to the
// least significant field of the shape, so string comparison is value
// comparison. Each candidate is placed on the higher-order prefix of now and
// on the prefix one unit later (next hour, day, month or year); a candidate
// behind the current time therefore lands in the next unit. Only results in
// the window survive, and dates that do not exist (Feb 30, Apr 31, Feb 29 of
// a common year) are dropped. The window is expected to be shorter than one
// unit, so at most one boundary is crossed.
func NextFireTimestamps(fields [5]string, now, windowEnd time.Time) ([]string, error) {
	sh, err := classify(fields)
	if err != nil {
		return nil, err
	}

	var levels [][]string
	minutes, err := minuteField.expand(fields[0])
	if err != nil {
		return nil, err
	}
	var hours, days, months, weekdays []int
	if sh != shapeHourly {
		if hours, err = hourField.expand(fields[1]); err != nil {
			return nil, err
		}
	}
	if sh == shapeMonthly || sh == shapeYearly {
		if days, err = dayField.expand(fields[2]); err != nil {
			return nil, err
		}
	}
	if sh == shapeYearly {
		if months, err = monthField.expand(fields[3]); err != nil {
			return nil, err
		}
	}
	if sh == shapeWeekly {
		if weekdays, err = weekdayField.expand(fields[4]); err != nil {
			return nil, err
		}
	}

	loc := now.Location()
	windowEnd = windowEnd.In(loc)
	lo := now.Format(TimestampLayout)
	hi := windowEnd.Format(TimestampLayout)
	if hi < lo {
		return nil, nil
	}

	var prefixes [2]string
	switch sh {
	case shapeHourly:
		levels = [][]string{pad(minutes, 2)}
		prefixes = [2]string{now.Format("2006010215"), now.Add(time.Hour).Format("2006010215")}
	case shapeDaily, shapeWeekly:
		levels = [][]string{pad(hours, 2), pad(minutes, 2)}
		prefixes = [2]string{now.Format("20060102"), now.AddDate(0, 0, 1).Format("20060102")}
	case shapeMonthly:
		levels = [][]string{pad(days, 2), pad(hours, 2), pad(minutes, 2)}
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		prefixes = [2]string{now.Format("200601"), first.AddDate(0, 1, 0).Format("200601")}
	case shapeYearly:
		levels = [][]string{pad(months, 2), pad(days, 2), pad(hours, 2), pad(minutes, 2)}
		prefixes = [2]string{now.Format("2006"), strconv.Itoa(now.Year() + 1)}
	}

	seen := make(map[string]bool)
	var out []string
	for _, prefix := range prefixes {
		var candidates []string
		collect(prefix, levels, lo, hi, &candidates)
		for _, ts := range candidates {
			t, ok := calendarTime(ts, loc)
			if !ok || seen[ts] {
				continue
			}
			if sh == shapeWeekly && !containsInt(weekdays, isoWeekday(t)) {
				continue
			}
			seen[ts] = true
			out = append(out, ts)
		}
	}
	sort.Strings(out)
	return out, nil
}

// collect walks the cross product of levels below prefix and appends every
// complete timestamp inside [lo, hi]. Levels are sorted, so a partial value
// beyond hi ends its level and a partial value before lo is skipped.
func collect(prefix string, levels [][]string, lo, hi string, out *[]string) {
	if len(levels) == 0 {
		*out = append(*out, prefix)
		return
	}
	for _, v := range levels[0] {
		s := prefix + v
		n := len(s)
		if s < lo[:n] {
			continue
		}
		if s > hi[:n] {
			break
		}
		collect(s, levels[1:], lo, hi, out)
	}
}

// calendarTime parses ts and reports whether its date exists.
func calendarTime(ts string, loc *time.Location) (time.Time, bool) {
	if len(ts) != len(TimestampLayout) {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(ts[0:4])
	month, _ := strconv.Atoi(ts[4:6])
	day, _ := strconv.Atoi(ts[6:8])
	hour, _ := strconv.Atoi(ts[8:10])
	minute, _ := strconv.Atoi(ts[10:12])

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// isoWeekday maps time.Weekday onto 1 (Monday) … 7 (Sunday).
func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
