package turn

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time-of-day range in minutes, overnight when start > end
// (e.g. 23:00-01:00 covers late evening plus the next morning's first hour).
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q must be HH:MM-HH:MM", s)
	}
	start, err := parseMinute(parts[0])
	if err != nil {
		return Window{}, err
	}
	end, err := parseMinute(parts[1])
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

// mustWindow is for config values that already passed validation; a broken
// value degrades to an empty window instead of panicking mid-turn.
func mustWindow(s string) Window {
	w, err := ParseWindow(s)
	if err != nil {
		return Window{}
	}
	return w
}

func parseMinute(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("window bound %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("window bound %q out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether the minute-of-day lies inside the window. Start is
// inclusive, end exclusive.
func (w Window) Contains(minute int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	return minute >= w.Start || minute < w.End
}

// EndUTC returns the next end boundary of the window as a UTC instant, given
// the current UTC time and the chat's timezone offset. Meaningful when the
// local time is inside the window.
func (w Window) EndUTC(now time.Time, offsetMinutes int) time.Time {
	local := now.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	end := dayStart.Add(time.Duration(w.End) * time.Minute)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.Add(-time.Duration(offsetMinutes) * time.Minute)
}

// LocalMinute converts a UTC instant to the chat's minute-of-day.
func LocalMinute(now time.Time, offsetMinutes int) int {
	local := now.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return local.Hour()*60 + local.Minute()
}

// goodnightKeywords are matched case-insensitively as substrings of the user
// text.
var goodnightKeywords = []string{
	"спокойной ночи",
	"споки",
	"сладких снов",
	"добрых снов",
	"иду спать",
	"пойду спать",
	"я спать",
	"good night",
	"goodnight",
}

// IsGoodnight reports whether the text reads as a goodnight message.
func IsGoodnight(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range goodnightKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
