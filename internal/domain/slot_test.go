package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlotCatalogStandard(t *testing.T) {
	catalog, err := NewSlotCatalog("standard", 30*time.Minute, StandardCatalogWindows...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
		"14:00", "14:30", "15:00", "15:30", "16:00", "16:30",
	}, catalog.Starts)
	assert.True(t, catalog.Contains("14:30"))
	assert.False(t, catalog.Contains("12:00"))
}

func TestNewSlotCatalogExtended(t *testing.T) {
	catalog, err := NewSlotCatalog("extended", 30*time.Minute, ExtendedCatalogWindows...)
	require.NoError(t, err)

	require.Len(t, catalog.Starts, 22)
	assert.Equal(t, "09:00", catalog.Starts[0])
	assert.Equal(t, "19:30", catalog.Starts[len(catalog.Starts)-1])
}

func TestNewSlotCatalogRejectsBadInput(t *testing.T) {
	_, err := NewSlotCatalog("bad", 0, StandardCatalogWindows...)
	assert.Error(t, err)

	_, err = NewSlotCatalog("bad", 30*time.Minute, SlotWindow{From: "9am", To: "11:00"})
	assert.Error(t, err)
}

func TestSlotStartUsesLocation(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	start := SlotStart(date, "10:00", loc)
	assert.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), start.UTC())

	slot := TimeSlot{Date: date, StartTime: "10:00", Duration: 30 * time.Minute}
	view := slot.View(loc)
	assert.Equal(t, "2026-10-19", view.Date)
	assert.Equal(t, "10:30", view.EndTime)
}

func TestDateComparisons(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	a := time.Date(2026, 10, 19, 0, 0, 0, 0, loc)
	b := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	assert.True(t, SameDate(a, b))
	assert.False(t, BeforeDate(a, b))
	assert.True(t, BeforeDate(a.AddDate(0, 0, -1), b))
}

func TestParseWeekdays(t *testing.T) {
	days := ParseWeekdays([]string{"Monday", "wed", "Friday", "monday", "noday"})
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, days)

	doctor := Doctor{AvailableDays: days}
	assert.True(t, doctor.AcceptsOn(time.Wednesday))
	assert.False(t, doctor.AcceptsOn(time.Sunday))
}
