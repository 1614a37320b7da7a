// Package dates resolves human appointment phrases to concrete times.
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultLocation is the zone used when none is configured.
const DefaultLocation = "Australia/Melbourne"

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

var (
	phraseRe = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)?\b`)
	clockRe  = regexp.MustCompile(`(?i)(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)?`)
)

// ResolveAppointment converts a phrase like "Thursday at 11:30am" into the
// next occurrence of that weekday strictly after base, read in loc. A base
// already on the named weekday rolls forward a full week. The second return
// is false when the phrase does not parse.
func ResolveAppointment(base time.Time, phrase string, loc *time.Location) (time.Time, bool) {
	if strings.TrimSpace(phrase) == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = Location("")
	}
	m := phraseRe.FindStringSubmatch(phrase)
	if m == nil {
		return time.Time{}, false
	}
	hour, minute, ok := clockFrom(m[2], m[3], m[4])
	if !ok {
		return time.Time{}, false
	}

	base = base.In(loc)
	ahead := int(weekdays[strings.ToLower(m[1])] - base.Weekday())
	if ahead <= 0 {
		ahead += 7
	}
	day := base.AddDate(0, 0, ahead)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), true
}

// ParseClock parses "11:30am", "2pm" or "14:00" into hour and minute.
func ParseClock(s string) (hour, minute int, ok bool) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	return clockFrom(m[1], m[2], m[3])
}

func clockFrom(hourStr, minuteStr, meridiem string) (int, int, bool) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, false
	}
	minute := 0
	if minuteStr != "" {
		if minute, err = strconv.Atoi(minuteStr); err != nil {
			return 0, 0, false
		}
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// Location loads the named zone, falling back to DefaultLocation and
// finally UTC.
func Location(name string) *time.Location {
	if name == "" {
		name = DefaultLocation
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultLocation); err == nil {
		return loc
	}
	return time.UTC
}
