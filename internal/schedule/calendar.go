// Package schedule generates the bookable slot grid for a doctor's day and
// computes which of those slots remain open given existing appointments.
package schedule

import (
	"time"

	"github.com/kestrelhealth/scheduler/internal/directory"
)

// DefaultGranularityMinutes is the practice-wide slot length.
const DefaultGranularityMinutes = 30

// EnumerateSlots returns every slot start time on date within
// [startHour:00, endHour:00), stepping by granularity minutes. The result is
// ascending and empty when the bounds are inverted or the granularity is not
// positive.
func EnumerateSlots(date time.Time, startHour, endHour, granularityMinutes int) []time.Time {
	if granularityMinutes <= 0 || startHour >= endHour {
		return nil
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	start := day.Add(time.Duration(startHour) * time.Hour)
	end := day.Add(time.Duration(endHour) * time.Hour)

	var slots []time.Time
	for t := start; t.Before(end); t = t.Add(time.Duration(granularityMinutes) * time.Minute) {
		slots = append(slots, t)
	}
	return slots
}

// IsBusinessDay reports whether the doctor works on date's weekday.
func IsBusinessDay(date time.Time, hours directory.WorkingHoursTable) bool {
	entry, ok := hours.HoursFor(date)
	return ok && entry.Available
}

// IsGridAligned reports whether t is one of the slot start times the grid for
// its own day would contain.
func IsGridAligned(t time.Time, startHour, endHour, granularityMinutes int) bool {
	for _, slot := range EnumerateSlots(t, startHour, endHour, granularityMinutes) {
		if slot.Equal(t) {
			return true
		}
	}
	return false
}
