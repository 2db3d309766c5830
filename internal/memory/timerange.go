package memory

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeRange is the set of day buckets a query asks about. Explicit is false
// for the default window used when the query has no time language.
type TimeRange struct {
	Days     []string
	Label    string
	Explicit bool
}

const maxRangeDays = 90

var (
	daysAgoPattern  = regexp.MustCompile(`\b(\d{1,3})\s+days?\s+ago\b|(\d{1,3})\s+(?:дней|дня|день)\s+назад`)
	lastDaysPattern = regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+days?\b|за\s+последние\s+(\d{1,3})\s+(?:дней|дня|день)`)
	timeWordPattern = regexp.MustCompile(`\b(?:today|tonight|yesterday|week|month|year|days?|ago|morning|evening|recently|lately|when)\b|сегодня|вчера|недел|месяц|назад|дней|утром|вечером|недавно|когда`)
)

type keywordRange struct {
	phrases []string
	label   string
	days    func(now time.Time) []string
}

// Longer phrases first: "позавчера" contains "вчера", "last week" must win
// over "week".
var keywordRanges = []keywordRange{
	{[]string{"day before yesterday", "позавчера"}, "day before yesterday", func(now time.Time) []string {
		return dayRange(now.AddDate(0, 0, -2), now.AddDate(0, 0, -2))
	}},
	{[]string{"yesterday", "вчера"}, "yesterday", func(now time.Time) []string {
		return dayRange(now.AddDate(0, 0, -1), now.AddDate(0, 0, -1))
	}},
	{[]string{"today", "tonight", "сегодня"}, "today", func(now time.Time) []string {
		return dayRange(now, now)
	}},
	{[]string{"last week", "previous week", "на прошлой неделе", "прошлой неделе", "прошлая неделя"}, "last week", func(now time.Time) []string {
		monday := startOfWeek(now)
		return dayRange(monday.AddDate(0, 0, -7), monday.AddDate(0, 0, -1))
	}},
	{[]string{"this week", "на этой неделе", "эта неделя", "этой неделе"}, "this week", func(now time.Time) []string {
		return dayRange(startOfWeek(now), now)
	}},
	{[]string{"last month", "previous month", "в прошлом месяце", "прошлом месяце", "прошлый месяц"}, "last month", func(now time.Time) []string {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return dayRange(first.AddDate(0, -1, 0), first.AddDate(0, 0, -1))
	}},
	{[]string{"this month", "в этом месяце", "этом месяце", "этот месяц"}, "this month", func(now time.Time) []string {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return dayRange(first, now)
	}},
}

// DetectTimeRange maps time language in query to day buckets relative to
// now. A query without any time language gets the last fallbackDays days
// with Explicit=false. ok is false only when the query mentions time but no
// rule matched.
func DetectTimeRange(query string, now time.Time, fallbackDays int) (TimeRange, bool) {
	q := strings.ToLower(query)

	if m := daysAgoPattern.FindStringSubmatch(q); m != nil {
		if n, ok := atoiFirst(m[1], m[2]); ok && n <= maxRangeDays {
			day := now.AddDate(0, 0, -n)
			return TimeRange{Days: dayRange(day, day), Label: strconv.Itoa(n) + " days ago", Explicit: true}, true
		}
	}
	if m := lastDaysPattern.FindStringSubmatch(q); m != nil {
		if n, ok := atoiFirst(m[1], m[2]); ok && n > 0 && n <= maxRangeDays {
			return TimeRange{Days: dayRange(now.AddDate(0, 0, -(n-1)), now), Label: "last " + strconv.Itoa(n) + " days", Explicit: true}, true
		}
	}
	for _, kr := range keywordRanges {
		for _, phrase := range kr.phrases {
			if strings.Contains(q, phrase) {
				return TimeRange{Days: kr.days(now), Label: kr.label, Explicit: true}, true
			}
		}
	}

	if timeWordPattern.MatchString(q) {
		return TimeRange{}, false
	}
	if fallbackDays <= 0 {
		fallbackDays = 7
	}
	return TimeRange{
		Days:  dayRange(now.AddDate(0, 0, -(fallbackDays-1)), now),
		Label: "last " + strconv.Itoa(fallbackDays) + " days",
	}, true
}

func startOfWeek(now time.Time) time.Time {
	offset := (int(now.Weekday()) + 6) % 7
	return now.AddDate(0, 0, -offset)
}

// dayRange lists the day buckets from..to inclusive.
func dayRange(from, to time.Time) []string {
	from = time.Date(from.Year(), from.Month(), from.Day(), 12, 0, 0, 0, from.Location())
	to = time.Date(to.Year(), to.Month(), to.Day(), 12, 0, 0, 0, to.Location())
	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, DayBucket(d))
	}
	return out
}

func atoiFirst(values ...string) (int, bool) {
	for _, v := range values {
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}
