package cronsvc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseTimeSpec resolves a user-supplied time string to an absolute
// instant. Accepted forms:
//
//	RFC 3339 and common date/datetime layouts
//	"in <n> <seconds|minutes|hours|days|weeks>"
//	"today|tomorrow [at] H[:MM] [am|pm]"
//
// Relative and day forms resolve in loc.
func ParseTimeSpec(input string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time spec")
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	lower := strings.ToLower(s)
	if t, ok, err := parseRelative(lower, now); ok || err != nil {
		return t, err
	}
	if t, ok, err := parseDayTime(lower, now.In(loc)); ok || err != nil {
		return t, err
	}
	return time.Time{}, fmt.Errorf("unrecognized time spec %q", input)
}

var relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(s|sec|secs|second|seconds|m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days|w|week|weeks)$`)

func parseRelative(s string, now time.Time) (time.Time, bool, error) {
	m := relativeRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Time{}, true, fmt.Errorf("bad relative amount %q", m[1])
	}
	var unit time.Duration
	switch m[2][0] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return now.Add(time.Duration(n) * unit), true, nil
}

var dayTimeRe = regexp.MustCompile(`^(today|tomorrow)(?:\s+at)?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

func parseDayTime(s string, now time.Time) (time.Time, bool, error) {
	m := dayTimeRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false, nil
	}
	hour, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, true, fmt.Errorf("bad hour %q", m[2])
	}
	minute := 0
	if m[3] != "" {
		minute, err = strconv.Atoi(m[3])
		if err != nil || minute > 59 {
			return time.Time{}, true, fmt.Errorf("bad minute %q", m[3])
		}
	}
	switch m[4] {
	case "pm":
		if hour > 12 {
			return time.Time{}, true, fmt.Errorf("bad hour %d for pm", hour)
		}
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour > 12 {
			return time.Time{}, true, fmt.Errorf("bad hour %d for am", hour)
		}
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 {
		return time.Time{}, true, fmt.Errorf("bad hour %d", hour)
	}

	day := now
	if m[1] == "tomorrow" {
		day = day.AddDate(0, 0, 1)
	}
	t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	return t, true, nil
}
