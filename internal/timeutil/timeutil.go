package timeutil

import (
	"fmt"
	"log"
	"strconv"
	"time"
)

// location is the fixed regional timezone for all calendar-day and
// clock-time computations. Dismissal happens in local school time, so
// every date key and stamped time must agree on this zone regardless of
// where the service runs.
var location *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Printf("Warning: failed to load timezone data, falling back to UTC: %v", err)
		loc = time.UTC
	}
	location = loc
}

// Location returns the fixed regional timezone.
func Location() *time.Location {
	return location
}

// Now returns the current time in the regional timezone.
func Now() time.Time {
	return time.Now().In(location)
}

// DateKey formats a time as a calendar-day key (YYYY-MM-DD) in the
// regional timezone.
func DateKey(t time.Time) string {
	return t.In(location).Format("2006-01-02")
}

// Today returns the current calendar-day key.
func Today() string {
	return DateKey(time.Now())
}

// Clock formats a time as an HH:MM clock string in the regional timezone.
func Clock(t time.Time) string {
	return t.In(location).Format("15:04")
}

// NowClock returns the current clock time as HH:MM.
func NowClock() string {
	return Clock(time.Now())
}

// ParseClock parses an HH:MM string into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidDateKey reports whether s is a well-formed calendar-day key.
func ValidDateKey(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// CompareBusNumbers orders bus numbers numeric-aware: runs of digits
// compare as integers, everything else compares lexicographically, so
// "2" < "10" and "B7" < "B42". Returns -1, 0 or 1.
func CompareBusNumbers(a, b string) int {
	ia, ib := 0, 0
	for ia < len(a) && ib < len(b) {
		ca, cb := a[ia], b[ib]
		if isDigit(ca) && isDigit(cb) {
			na, ra := readInt(a, ia)
			nb, rb := readInt(b, ib)
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			ia, ib = ra, rb
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		ia++
		ib++
	}
	switch {
	case len(a)-ia < len(b)-ib:
		return -1
	case len(a)-ia > len(b)-ib:
		return 1
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// readInt reads the run of digits starting at i and returns its value
// and the index just past the run.
func readInt(s string, i int) (int, int) {
	j := i
	for j < len(s) && isDigit(s[j]) {
		j++
	}
	n, _ := strconv.Atoi(s[i:j])
	return n, j
}
