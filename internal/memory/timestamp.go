package memory

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// ParseStrategy tries one timestamp encoding. ok=false means "try the next one".
type ParseStrategy func(raw string, now time.Time) (t time.Time, ok bool)

// TimestampParser tries its strategies in order.
type TimestampParser struct {
	Clock      Clock
	Strategies []ParseStrategy
}

func NewTimestampParser(clock Clock) *TimestampParser {
	if clock == nil {
		clock = SystemClock()
	}
	return &TimestampParser{
		Clock:      clock,
		Strategies: []ParseStrategy{parseRFC3339, parseISONaive, parseMinutesAgo, parseUnixSeconds},
	}
}

func (p *TimestampParser) Parse(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	now := p.Clock.Now()
	for _, strategy := range p.Strategies {
		if t, ok := strategy(raw, now); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseOrNow never fails: unparseable input maps to the clock's now.
func (p *TimestampParser) ParseOrNow(raw string) time.Time {
	if t, ok := p.Parse(raw); ok {
		return t
	}
	return p.Clock.Now()
}

// DayBucket is the calendar date of t in t's own location.
func DayBucket(t time.Time) string {
	return t.Format(dayLayout)
}

func parseRFC3339(raw string, _ time.Time) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	return t, err == nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseISONaive(raw string, _ time.Time) (time.Time, bool) {
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var minutesAgoPattern = regexp.MustCompile(`^(\d{1,7})\+(\d{2}):?(\d{2})$`)

// parseMinutesAgo reads "N+HH:MM": N minutes before now. The offset suffix is
// validated but does not shift the result.
func parseMinutesAgo(raw string, now time.Time) (time.Time, bool) {
	m := minutesAgoPattern.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, false
	}
	minutes, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	if h, _ := strconv.Atoi(m[2]); h > 14 {
		return time.Time{}, false
	}
	if mm, _ := strconv.Atoi(m[3]); mm > 59 {
		return time.Time{}, false
	}
	return now.Add(-time.Duration(minutes) * time.Minute), true
}

func parseUnixSeconds(raw string, _ time.Time) (time.Time, bool) {
	if len(raw) < 9 || len(raw) > 12 {
		return time.Time{}, false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
