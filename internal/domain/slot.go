package domain

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type TimeSlot struct {
	Date      time.Time     `json:"-"`
	StartTime string        `json:"start_time"`
	Duration  time.Duration `json:"-"`
}

// StartsAt places the slot on the wall clock of loc.
func (s TimeSlot) StartsAt(loc *time.Location) time.Time {
	return SlotStart(s.Date, s.StartTime, loc)
}

func (s TimeSlot) EndsAt(loc *time.Location) time.Time {
	return s.StartsAt(loc).Add(s.Duration)
}

type TimeSlotView struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (s TimeSlot) View(loc *time.Location) TimeSlotView {
	return TimeSlotView{
		Date:      s.Date.Format(DateLayout),
		StartTime: s.StartTime,
		EndTime:   s.EndsAt(loc).Format(TimeLayout),
	}
}

// SlotCatalog is the fixed daily list of slot start times.
type SlotCatalog struct {
	Name     string
	Duration time.Duration
	Starts   []string
}

type SlotWindow struct {
	From string
	To   string
}

// NewSlotCatalog expands inclusive windows ("09:00".."11:30") in steps of duration.
func NewSlotCatalog(name string, duration time.Duration, windows ...SlotWindow) (SlotCatalog, error) {
	if duration <= 0 {
		return SlotCatalog{}, fmt.Errorf("slot duration must be positive, got %s", duration)
	}

	catalog := SlotCatalog{Name: name, Duration: duration}
	for _, w := range windows {
		from, err := time.Parse(TimeLayout, w.From)
		if err != nil {
			return SlotCatalog{}, fmt.Errorf("invalid window start %q: %w", w.From, err)
		}
		to, err := time.Parse(TimeLayout, w.To)
		if err != nil {
			return SlotCatalog{}, fmt.Errorf("invalid window end %q: %w", w.To, err)
		}
		for t := from; !t.After(to); t = t.Add(duration) {
			catalog.Starts = append(catalog.Starts, t.Format(TimeLayout))
		}
	}
	return catalog, nil
}

func (c SlotCatalog) Contains(start string) bool {
	for _, s := range c.Starts {
		if s == start {
			return true
		}
	}
	return false
}

var (
	StandardCatalogWindows = []SlotWindow{{From: "09:00", To: "11:30"}, {From: "14:00", To: "16:30"}}
	ExtendedCatalogWindows = []SlotWindow{{From: "09:00", To: "19:30"}}
)

// SlotStart combines a calendar date with an "HH:MM" start in loc.
func SlotStart(date time.Time, start string, loc *time.Location) time.Time {
	clock, err := time.Parse(TimeLayout, start)
	if err != nil {
		return time.Time{}
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc)
}

// CivilDate truncates t to midnight of its calendar day in loc.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SameDate compares calendar dates ignoring location, as stored DATE columns come back in UTC.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// BeforeDate reports whether a's calendar date is strictly earlier than b's.
func BeforeDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

func ParseDate(value string, loc *time.Location) (time.Time, error) {
	date, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", value, err)
	}
	return date, nil
}
