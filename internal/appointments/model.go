// Package appointments holds the scheduling core: the appointment record and
// its lifecycle, the reservation store contract, and the booking service that
// turns requests into conflict-free reservations.
package appointments

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// DefaultDurationMinutes is applied when a booking request omits duration.
const DefaultDurationMinutes = 30

// Appointment is a committed reservation. Rows are never deleted; cancellation
// is a status change so history survives.
type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name"`
	PatientPhone    string    `json:"patient_phone,omitempty"`
	DoctorName      string    `json:"doctor_name"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BookRequest carries everything the booking service needs to reserve a slot.
type BookRequest struct {
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name"`
	PatientPhone    string    `json:"patient_phone"`
	DoctorName      string    `json:"doctor_name"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
}

// MissingFields lists the required fields absent from the request, in the
// order callers expect to hear them.
func (r *BookRequest) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.PatientName) == "" {
		missing = append(missing, "patient_name")
	}
	if strings.TrimSpace(r.DoctorName) == "" {
		missing = append(missing, "doctor_name")
	}
	if r.StartAt.IsZero() {
		missing = append(missing, "date", "time")
	}
	return missing
}

// UpdateFields is the partial-update payload for the store. Nil pointers leave
// the column untouched. ExpectedStatus, when set, makes the update conditional
// on the row still holding that status, failing with ErrConflict otherwise.
type UpdateFields struct {
	PatientName     *string
	PatientPhone    *string
	DoctorName      *string
	StartAt         *time.Time
	DurationMinutes *int
	Status          *Status
	Reason          *string
	ExpectedStatus  *Status
}

// UpdateRequest carries the editable fields for a general appointment edit.
// Nil pointers leave the field unchanged. Moving the start time re-runs the
// slot validation against the appointment's doctor.
type UpdateRequest struct {
	PatientName     *string
	PatientPhone    *string
	Reason          *string
	DurationMinutes *int
	StartAt         *time.Time
}

// Empty reports whether the request would change nothing.
func (r UpdateRequest) Empty() bool {
	return r.PatientName == nil && r.PatientPhone == nil && r.Reason == nil &&
		r.DurationMinutes == nil && r.StartAt == nil
}

// SearchFilter enumerates the recognized search options. Anything a caller
// sends outside these fields simply has nowhere to land.
type SearchFilter struct {
	Status     Status
	DoctorName string
	From       time.Time
	To         time.Time
}

// searchResultLimit caps search output, matching the store's read contract.
const searchResultLimit = 100
