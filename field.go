package batchjob

import (
	"fmt"
	"strconv"
	"strings"
)

// field describes the bounds of one schedule position.
type field struct {
	name     string
	min, max int
	names    map[string]int
	width    int

	// sundayZero accepts 0 as a second Sunday next to 7. Wildcards start
	// at 1 so steps count over 1-7.
	sundayZero bool
}

var (
	minuteField = field{name: "minute", min: 0, max: 59, width: 2}
	hourField   = field{name: "hour", min: 0, max: 23, width: 2}
	dayField    = field{name: "day-of-month", min: 1, max: 31, width: 2}
	monthField  = field{name: "month", min: 1, max: 12, width: 2}

	// 0 and 7 are both Sunday; expand folds 0 into 7.
	weekdayField = field{name: "day-of-week", min: 0, max: 7, width: 1, sundayZero: true, names: map[string]int{
		"mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6, "sun": 7,
	}}
)

func isWildcard(expr string) bool {
	return strings.TrimSpace(expr) == "*"
}

// expand returns the sorted, distinct values matched by expr.
func (f field) expand(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, invalidSchedulef("%s: empty expression", f.name)
	}

	matched := make([]bool, f.max+1)
	for _, part := range strings.Split(expr, ",") {
		start, end, every, err := f.parsePart(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		for v := start; v <= end; v += every {
			matched[v] = true
		}
	}

	if f.sundayZero && matched[0] {
		matched[0] = false
		matched[7] = true
	}

	var values []int
	for v, ok := range matched {
		if ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// parsePart handles a single literal, range or step term.
func (f field) parsePart(part string) (start, end, every int, err error) {
	if part == "" {
		return 0, 0, 0, invalidSchedulef("%s: empty list element", f.name)
	}

	every = 1
	base := part
	if i := strings.Index(part, "/"); i >= 0 {
		base = part[:i]
		every, err = strconv.Atoi(part[i+1:])
		if err != nil {
			return 0, 0, 0, invalidSchedulef("%s: step %q is not a number", f.name, part[i+1:])
		}
		if every <= 0 {
			return 0, 0, 0, invalidSchedulef("%s: step must be positive, got %d", f.name, every)
		}
	}

	switch {
	case base == "*":
		start, end = f.min, f.max
		if f.sundayZero {
			start = 1
		}
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		if start, err = f.value(bounds[0]); err != nil {
			return 0, 0, 0, err
		}
		if end, err = f.value(bounds[1]); err != nil {
			return 0, 0, 0, err
		}
	default:
		if start, err = f.value(base); err != nil {
			return 0, 0, 0, err
		}
		end = start
		if base != part {
			end = f.max
		}
	}

	if start > end {
		return 0, 0, 0, invalidSchedulef("%s: range %d-%d is reversed", f.name, start, end)
	}
	if start < f.min || end > f.max {
		return 0, 0, 0, invalidSchedulef("%s: %q outside %d-%d", f.name, part, f.min, f.max)
	}
	return start, end, every, nil
}

func (f field) value(token string) (int, error) {
	token = strings.TrimSpace(token)
	if f.names != nil {
		if v, ok := f.names[strings.ToLower(token)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, invalidSchedulef("%s: %q is not a number", f.name, token)
	}
	if v < f.min || v > f.max {
		return 0, invalidSchedulef("%s: %d outside %d-%d", f.name, v, f.min, f.max)
	}
	return v, nil
}

// pad renders values as fixed-width strings so that string order equals
// numeric order.
func pad(values []int, width int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%0*d", width, v)
	}
	return out
}
