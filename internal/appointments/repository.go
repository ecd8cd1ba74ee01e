package appointments

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhealth/scheduler/internal/schedule"
)

// Repository is the reservation store contract the scheduling core depends
// on. Implementations own the appointment rows; the core mutates them only
// through this interface.
type Repository interface {
	// Insert persists a new appointment and returns it with a generated ID.
	// Returns ErrSlotTaken when a non-cancelled appointment already holds the
	// same (doctor, start) pair, ErrStoreUnavailable when the store is down.
	Insert(ctx context.Context, appt *Appointment) (*Appointment, error)

	// GetByID returns the appointment or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Appointment, error)

	// ListByDoctorAndDate returns all of a doctor's appointments on the given
	// calendar date, any status, ascending by start.
	ListByDoctorAndDate(ctx context.Context, doctorName string, date time.Time) ([]*Appointment, error)

	// ListByPatient returns a patient's appointments, newest start first.
	ListByPatient(ctx context.Context, patientRef string) ([]*Appointment, error)

	// Update applies the non-nil fields and returns the updated row.
	// ErrNotFound for unknown IDs; ErrConflict when ExpectedStatus is set and
	// no longer matches; ErrSlotTaken when a start change collides.
	Update(ctx context.Context, id string, fields UpdateFields) (*Appointment, error)

	// Search matches the text query case-insensitively against patient name,
	// doctor name, and reason, narrowed by the filter, ascending by start,
	// capped at 100 rows.
	Search(ctx context.Context, query string, filter SearchFilter) ([]*Appointment, error)
}

// NewReservationSource adapts the repository onto the availability engine's
// read contract: start times of non-cancelled appointments.
func NewReservationSource(repo Repository) schedule.ReservationSource {
	return &reservationSource{repo: repo}
}

type reservationSource struct {
	repo Repository
}

func (s *reservationSource) BookedStarts(ctx context.Context, doctorName string, date time.Time) ([]time.Time, error) {
	appts, err := s.repo.ListByDoctorAndDate(ctx, doctorName, date)
	if err != nil {
		return nil, err
	}
	starts := make([]time.Time, 0, len(appts))
	for _, a := range appts {
		if a.Status == StatusCancelled {
			continue
		}
		starts = append(starts, a.StartAt)
	}
	return starts, nil
}

// InMemoryRepository keeps appointments in a mutex-guarded map. It enforces
// the same single-booking-per-slot rule as the Postgres unique index, so the
// service behaves identically in tests and local development.
type InMemoryRepository struct {
	mu    sync.RWMutex
	appts map[string]*Appointment
}

// NewInMemoryRepository creates an empty in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{appts: make(map[string]*Appointment)}
}

// Insert stores a copy of appt with a fresh ID and timestamps.
func (r *InMemoryRepository) Insert(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slotHeldLocked(appt.DoctorName, appt.StartAt, "") {
		return nil, ErrSlotTaken
	}

	now := time.Now().UTC()
	stored := *appt
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusScheduled
	}
	if stored.DurationMinutes == 0 {
		stored.DurationMinutes = DefaultDurationMinutes
	}
	r.appts[stored.ID] = &stored

	out := stored
	return &out, nil
}

// GetByID returns a copy of the appointment.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appt, ok := r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *appt
	return &out, nil
}

// ListByDoctorAndDate returns the doctor's appointments on the calendar date.
func (r *InMemoryRepository) ListByDoctorAndDate(ctx context.Context, doctorName string, date time.Time) ([]*Appointment, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.appts {
		if !strings.EqualFold(a.DoctorName, doctorName) {
			continue
		}
		if a.StartAt.Before(dayStart) || !a.StartAt.Before(dayEnd) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

// ListByPatient matches by patient ID or display name, newest start first.
func (r *InMemoryRepository) ListByPatient(ctx context.Context, patientRef string) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.appts {
		if a.PatientID == patientRef || strings.EqualFold(a.PatientName, patientRef) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	return out, nil
}

// Update applies the non-nil fields under the same conflict rules as the
// Postgres implementation.
func (r *InMemoryRepository) Update(ctx context.Context, id string, fields UpdateFields) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	appt, ok := r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if fields.ExpectedStatus != nil && appt.Status != *fields.ExpectedStatus {
		return nil, ErrConflict
	}

	doctor := appt.DoctorName
	if fields.DoctorName != nil {
		doctor = *fields.DoctorName
	}
	if fields.StartAt != nil {
		if r.slotHeldLocked(doctor, *fields.StartAt, id) {
			return nil, ErrSlotTaken
		}
		appt.StartAt = *fields.StartAt
	}
	if fields.DoctorName != nil {
		appt.DoctorName = *fields.DoctorName
	}
	if fields.PatientName != nil {
		appt.PatientName = *fields.PatientName
	}
	if fields.PatientPhone != nil {
		appt.PatientPhone = *fields.PatientPhone
	}
	if fields.DurationMinutes != nil {
		appt.DurationMinutes = *fields.DurationMinutes
	}
	if fields.Status != nil {
		appt.Status = *fields.Status
	}
	if fields.Reason != nil {
		appt.Reason = *fields.Reason
	}
	appt.UpdatedAt = time.Now().UTC()

	out := *appt
	return &out, nil
}

// Search filters and text-matches, ascending by start, capped at 100.
func (r *InMemoryRepository) Search(ctx context.Context, query string, filter SearchFilter) ([]*Appointment, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.appts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.DoctorName != "" && !strings.EqualFold(a.DoctorName, filter.DoctorName) {
			continue
		}
		if !filter.From.IsZero() && a.StartAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && a.StartAt.After(filter.To) {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(a.PatientName), q) &&
			!strings.Contains(strings.ToLower(a.DoctorName), q) &&
			!strings.Contains(strings.ToLower(a.Reason), q) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	if len(out) > searchResultLimit {
		out = out[:searchResultLimit]
	}
	return out, nil
}

// slotHeldLocked reports whether a non-cancelled appointment other than
// excludeID already starts at exactly this minute for the doctor.
func (r *InMemoryRepository) slotHeldLocked(doctorName string, start time.Time, excludeID string) bool {
	start = start.Truncate(time.Minute)
	for id, a := range r.appts {
		if id == excludeID || a.Status == StatusCancelled {
			continue
		}
		if strings.EqualFold(a.DoctorName, doctorName) && a.StartAt.Truncate(time.Minute).Equal(start) {
			return true
		}
	}
	return false
}
