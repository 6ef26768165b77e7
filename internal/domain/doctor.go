package domain

import (
	"strings"
	"time"
)

type Doctor struct {
	ID             int64          `json:"id"`
	Specialization string         `json:"specialization"`
	AvailableDays  []time.Weekday `json:"available_days"`
}

func (d Doctor) AcceptsOn(day time.Weekday) bool {
	for _, available := range d.AvailableDays {
		if available == day {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekdays converts stored day names ("Monday", "tue") into weekdays.
// Unknown names are skipped.
func ParseWeekdays(names []string) []time.Weekday {
	days := make([]time.Weekday, 0, len(names))
	seen := make(map[time.Weekday]bool)
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		day, ok := weekdays[key]
		if !ok {
			for full, wd := range weekdays {
				if len(key) >= 3 && strings.HasPrefix(full, key) {
					day, ok = wd, true
					break
				}
			}
		}
		if ok && !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	return days
}
