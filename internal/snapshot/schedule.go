package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a five-field cron expression ("minute hour day-of-month month
// day-of-week"). Supported per field: "*", a number, and "*/n" steps. That
// covers the shapes BACKUP_SCHEDULE takes in practice, e.g. "0 3 * * *".
type Schedule struct {
	minute, hour, dom, month, dow cronField
	src                           string
}

type cronField struct {
	any  bool
	step int // 0 unless */n
	val  int
}

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: want 5 fields, got %d", expr, len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron expression %q field %d: %w", expr, i+1, err)
		}
		parsed[i] = cf
	}
	return &Schedule{
		minute: parsed[0], hour: parsed[1], dom: parsed[2],
		month: parsed[3], dow: parsed[4], src: expr,
	}, nil
}

func parseCronField(s string, lo, hi int) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}
	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return cronField{}, fmt.Errorf("bad step %q", s)
		}
		return cronField{any: true, step: n}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return cronField{}, fmt.Errorf("bad value %q", s)
	}
	if n < lo || n > hi {
		return cronField{}, fmt.Errorf("value %d out of range [%d,%d]", n, lo, hi)
	}
	return cronField{val: n}, nil
}

func (f cronField) matches(v int) bool {
	if f.any {
		if f.step > 0 {
			return v%f.step == 0
		}
		return true
	}
	return v == f.val
}

// Next returns the first time strictly after t that matches the schedule.
// Times are evaluated in UTC at minute granularity.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	// Four years bounds the scan even for schedules like "0 0 29 2 *".
	limit := t.AddDate(4, 0, 1)
	for ; t.Before(limit); t = t.Add(time.Minute) {
		if !s.month.matches(int(t.Month())) {
			continue
		}
		if !s.dom.matches(t.Day()) {
			continue
		}
		if !s.dow.matches(int(t.Weekday())) {
			continue
		}
		if !s.hour.matches(t.Hour()) {
			continue
		}
		if s.minute.matches(t.Minute()) {
			return t
		}
	}
	return time.Time{}
}

func (s *Schedule) String() string { return s.src }
