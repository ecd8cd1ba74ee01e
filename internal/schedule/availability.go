package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelhealth/scheduler/internal/directory"
)

// Slot is one bookable unit for a doctor. Slots are derived on demand and
// never persisted.
type Slot struct {
	DoctorName      string    `json:"doctor_name"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ReservationSource supplies the start times of a doctor's non-cancelled
// appointments on a given date. The appointments repository adapts onto this.
type ReservationSource interface {
	BookedStarts(ctx context.Context, doctorName string, date time.Time) ([]time.Time, error)
}

// Availability computes open slots by diffing the working-hours grid against
// existing reservations.
type Availability struct {
	doctors      directory.DoctorDirectory
	reservations ReservationSource
	granularity  int
}

// NewAvailability builds the engine. A non-positive granularity falls back to
// the practice default of 30 minutes.
func NewAvailability(doctors directory.DoctorDirectory, reservations ReservationSource, granularityMinutes int) *Availability {
	if doctors == nil {
		panic("schedule: doctor directory required")
	}
	if reservations == nil {
		panic("schedule: reservation source required")
	}
	if granularityMinutes <= 0 {
		granularityMinutes = DefaultGranularityMinutes
	}
	return &Availability{doctors: doctors, reservations: reservations, granularity: granularityMinutes}
}

// Granularity returns the slot length in minutes.
func (a *Availability) Granularity() int {
	return a.granularity
}

// AvailableSlots returns the doctor's open slots on date, ascending. A day the
// doctor does not work yields an empty result, not an error. Past dates are
// not rejected here; that policy belongs to the booking service.
//
// A slot counts as taken only when an appointment starts at exactly that
// minute. Appointments longer than one slot do not shadow the following grid
// positions.
func (a *Availability) AvailableSlots(ctx context.Context, doctorName string, date time.Time) ([]Slot, error) {
	hours, err := a.doctors.GetWorkingHours(ctx, doctorName)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("schedule: load working hours: %w", err)
	}

	entry, ok := hours.HoursFor(date)
	if !ok || !entry.Available {
		return nil, nil
	}

	grid := EnumerateSlots(date, entry.StartHour, entry.EndHour, a.granularity)
	if len(grid) == 0 {
		return nil, nil
	}

	booked, err := a.reservations.BookedStarts(ctx, doctorName, date)
	if err != nil {
		return nil, fmt.Errorf("schedule: load reservations: %w", err)
	}
	taken := make(map[int64]struct{}, len(booked))
	for _, t := range booked {
		taken[t.Truncate(time.Minute).Unix()] = struct{}{}
	}

	slots := make([]Slot, 0, len(grid))
	seen := make(map[int64]struct{}, len(grid))
	for _, start := range grid {
		key := start.Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, busy := taken[key]; busy {
			continue
		}
		slots = append(slots, Slot{
			DoctorName:      doctorName,
			StartAt:         start,
			DurationMinutes: a.granularity,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].StartAt.Before(slots[j].StartAt) })
	return slots, nil
}

// HasSlot reports whether start is currently an open slot for the doctor.
func (a *Availability) HasSlot(ctx context.Context, doctorName string, start time.Time) (bool, error) {
	slots, err := a.AvailableSlots(ctx, doctorName, start)
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.StartAt.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}
