package memory

import (
	"testing"
	"time"
)

func TestTimestampParser(t *testing.T) {
	now := time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)
	parser := NewTimestampParser(fixedClock(now))
	moscow := time.FixedZone("MSK", 3*3600)

	tests := []struct {
		name string
		raw  string
		want time.Time
		ok   bool
	}{
		{"rfc3339 with offset", "2024-03-05T14:00:00+03:00", time.Date(2024, 3, 5, 14, 0, 0, 0, moscow), true},
		{"rfc3339 utc", "2024-03-05T14:00:00Z", time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), true},
		{"naive iso", "2024-03-05T14:00:00", time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), true},
		{"naive with space", "2024-03-05 14:00:00", time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), true},
		{"date only", "2024-03-05", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), true},
		{"minutes ago", "15+03:00", now.Add(-15 * time.Minute), true},
		{"minutes ago compact offset", "90+0300", now.Add(-90 * time.Minute), true},
		{"minutes ago bad offset", "15+15:00", time.Time{}, false},
		{"unix seconds", "1709647200", time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), true},
		{"empty", "  ", time.Time{}, false},
		{"garbage", "yesterday-ish", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parser.Parse(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseOrNowFallsBackToClock(t *testing.T) {
	now := time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)
	parser := NewTimestampParser(fixedClock(now))
	if got := parser.ParseOrNow("not a date"); !got.Equal(now) {
		t.Fatalf("got %v, want %v", got, now)
	}
}

func TestDayBucketUsesOwnLocation(t *testing.T) {
	late := time.Date(2024, 3, 5, 23, 30, 0, 0, time.FixedZone("X", 3*3600))
	if got := DayBucket(late); got != "2024-03-05" {
		t.Fatalf("day = %s", got)
	}
	if got := DayBucket(late.UTC()); got != "2024-03-05" {
		t.Fatalf("utc day = %s", got)
	}
}
