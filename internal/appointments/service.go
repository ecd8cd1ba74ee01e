package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelhealth/scheduler/internal/directory"
	"github.com/kestrelhealth/scheduler/internal/observability/metrics"
	"github.com/kestrelhealth/scheduler/internal/schedule"
	"github.com/kestrelhealth/scheduler/pkg/logging"
)

var tracer = otel.Tracer("scheduler.internal.appointments")

// maxAlternativeSlots caps how many open slots a SlotUnavailable rejection
// suggests.
const maxAlternativeSlots = 5

// Service is the booking resolver: it validates requests, consults the
// availability engine, and commits or rejects. It holds no state between
// calls; every operation re-reads current conflicts.
type Service struct {
	repo         Repository
	availability *schedule.Availability
	doctors      directory.DoctorDirectory
	logger       *logging.Logger
	metrics      *metrics.BookingMetrics
	now          func() time.Time
}

// NewService constructs the booking service.
func NewService(repo Repository, availability *schedule.Availability, doctors directory.DoctorDirectory, logger *logging.Logger, m *metrics.BookingMetrics) *Service {
	if repo == nil {
		panic("appointments: repository required")
	}
	if availability == nil {
		panic("appointments: availability engine required")
	}
	if doctors == nil {
		panic("appointments: doctor directory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:         repo,
		availability: availability,
		doctors:      doctors,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// WithClock overrides the service's notion of now. Tests use this to pin the
// past-date check.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Book validates the request in order and persists a scheduled appointment.
// Failures come back as *Rejection; infrastructure errors pass through
// unwrapped.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler.doctor", req.DoctorName),
		attribute.String("scheduler.start_at", req.StartAt.Format(time.RFC3339)),
	)

	if missing := req.MissingFields(); len(missing) > 0 {
		s.observe("book", "missing_fields")
		return nil, &Rejection{
			Code:          RejectMissingFields,
			Reason:        "required booking fields are missing",
			MissingFields: missing,
		}
	}
	if req.DurationMinutes < 0 || req.DurationMinutes%s.availability.Granularity() != 0 {
		s.observe("book", "validation_failed")
		return nil, reject(RejectValidation,
			fmt.Sprintf("duration must be a positive multiple of %d minutes", s.availability.Granularity()))
	}

	if err := s.validateSlot(ctx, req.DoctorName, req.StartAt); err != nil {
		if rej, ok := AsRejection(err); ok {
			s.observe("book", string(rej.Code))
		}
		return nil, err
	}

	appt := &Appointment{
		PatientID:       req.PatientID,
		PatientName:     req.PatientName,
		PatientPhone:    req.PatientPhone,
		DoctorName:      req.DoctorName,
		StartAt:         req.StartAt.Truncate(time.Minute),
		DurationMinutes: req.DurationMinutes,
		Status:          StatusScheduled,
		Reason:          req.Reason,
	}
	if appt.DurationMinutes == 0 {
		appt.DurationMinutes = DefaultDurationMinutes
	}

	stored, err := s.repo.Insert(ctx, appt)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrSlotTaken) {
			// Lost the race to a concurrent booking; the unique index caught
			// what the availability read could not.
			s.observe("book", "slot_unavailable")
			return nil, s.slotUnavailable(ctx, req.DoctorName, req.StartAt)
		}
		s.observe("book", "store_error")
		return nil, err
	}

	s.observe("book", "booked")
	s.logger.Info("appointment booked",
		"id", stored.ID,
		"doctor", stored.DoctorName,
		"start_at", stored.StartAt,
	)
	return stored, nil
}

// Cancel moves the appointment to cancelled. Cancelling an already-cancelled
// appointment is a no-op success.
func (s *Service) Cancel(ctx context.Context, id string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.cancel")
	defer span.End()

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(RejectNotFound, "appointment not found")
		}
		return nil, err
	}
	if appt.Status == StatusCancelled {
		s.observe("cancel", "already_cancelled")
		return appt, nil
	}

	next, err := Transition(appt.Status, StatusCancelled)
	if err != nil {
		s.observe("cancel", "illegal_transition")
		return nil, err
	}

	updated, err := s.updateStatusOnce(ctx, appt, next)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.observe("cancel", "cancelled")
	s.logger.Info("appointment cancelled", "id", updated.ID, "doctor", updated.DoctorName)
	return updated, nil
}

// Complete marks a scheduled appointment completed. Administrative; no slot
// validation applies.
func (s *Service) Complete(ctx context.Context, id string) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(RejectNotFound, "appointment not found")
		}
		return nil, err
	}
	next, err := Transition(appt.Status, StatusCompleted)
	if err != nil {
		return nil, err
	}
	updated, err := s.updateStatusOnce(ctx, appt, next)
	if err != nil {
		return nil, err
	}
	s.observe("complete", "completed")
	return updated, nil
}

// Update applies a partial edit to a live appointment. Patient details,
// reason, and duration change freely; a new start time re-runs the full slot
// validation against the appointment's doctor. Cancelled and completed
// appointments cannot be edited. A concurrent status change surfaces
// ErrConflict so the caller re-reads before retrying.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.update")
	defer span.End()

	if req.Empty() {
		return nil, reject(RejectValidation, "no fields to update")
	}
	if req.DurationMinutes != nil && *req.DurationMinutes <= 0 {
		return nil, reject(RejectValidation, "duration_minutes must be positive")
	}
	if req.PatientName != nil && strings.TrimSpace(*req.PatientName) == "" {
		return nil, reject(RejectValidation, "patient_name cannot be empty")
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(RejectNotFound, "appointment not found")
		}
		return nil, err
	}
	if appt.Status != StatusScheduled && appt.Status != StatusRescheduled {
		s.observe("update", "illegal_transition")
		return nil, reject(RejectIllegalTransition,
			"appointment is "+string(appt.Status)+", cannot be edited")
	}

	fields := UpdateFields{
		PatientName:     req.PatientName,
		PatientPhone:    req.PatientPhone,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
	}
	if req.StartAt != nil {
		start := req.StartAt.Truncate(time.Minute)
		if !start.Equal(appt.StartAt) {
			if err := s.validateSlot(ctx, appt.DoctorName, start); err != nil {
				if rej, ok := AsRejection(err); ok {
					s.observe("update", string(rej.Code))
				}
				return nil, err
			}
			fields.StartAt = &start
		}
	}
	expected := appt.Status
	fields.ExpectedStatus = &expected

	updated, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrSlotTaken) && fields.StartAt != nil {
			s.observe("update", "slot_unavailable")
			return nil, s.slotUnavailable(ctx, appt.DoctorName, *fields.StartAt)
		}
		return nil, err
	}

	s.observe("update", "updated")
	s.logger.Info("appointment updated", "id", updated.ID, "doctor", updated.DoctorName)
	return updated, nil
}

// Reschedule re-validates newStart against the same doctor and moves the
// appointment in place; no second record is created.
func (s *Service) Reschedule(ctx context.Context, id string, newStart time.Time) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.reschedule")
	defer span.End()

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(RejectNotFound, "appointment not found")
		}
		return nil, err
	}
	if appt.Status != StatusScheduled && appt.Status != StatusRescheduled {
		s.observe("reschedule", "illegal_transition")
		return nil, reject(RejectIllegalTransition,
			"appointment is "+string(appt.Status)+", cannot be rescheduled")
	}

	if err := s.validateSlot(ctx, appt.DoctorName, newStart); err != nil {
		if rej, ok := AsRejection(err); ok {
			s.observe("reschedule", string(rej.Code))
		}
		return nil, err
	}

	start := newStart.Truncate(time.Minute)
	status := StatusRescheduled
	expected := appt.Status
	updated, err := s.repo.Update(ctx, id, UpdateFields{
		StartAt:        &start,
		Status:         &status,
		ExpectedStatus: &expected,
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrSlotTaken):
			s.observe("reschedule", "slot_unavailable")
			return nil, s.slotUnavailable(ctx, appt.DoctorName, newStart)
		case errors.Is(err, ErrConflict):
			// One retry after a detected race, never a silent overwrite.
			return s.rescheduleRetry(ctx, id, newStart)
		}
		return nil, err
	}

	s.observe("reschedule", "rescheduled")
	s.logger.Info("appointment rescheduled", "id", updated.ID, "start_at", updated.StartAt)
	return updated, nil
}

// rescheduleRetry re-reads the row and attempts the move once more.
func (s *Service) rescheduleRetry(ctx context.Context, id string, newStart time.Time) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusScheduled && appt.Status != StatusRescheduled {
		return nil, reject(RejectIllegalTransition,
			"appointment is "+string(appt.Status)+", cannot be rescheduled")
	}
	start := newStart.Truncate(time.Minute)
	status := StatusRescheduled
	expected := appt.Status
	updated, err := s.repo.Update(ctx, id, UpdateFields{
		StartAt:        &start,
		Status:         &status,
		ExpectedStatus: &expected,
	})
	if err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return nil, s.slotUnavailable(ctx, appt.DoctorName, newStart)
		}
		return nil, err
	}
	return updated, nil
}

// Get returns one appointment, mapping unknown IDs to a typed rejection.
func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(RejectNotFound, "appointment not found")
		}
		return nil, err
	}
	return appt, nil
}

// ListByPatient returns a patient's appointments, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientRef string) ([]*Appointment, error) {
	return s.repo.ListByPatient(ctx, patientRef)
}

// ListByDoctor returns a doctor's appointments on a date.
func (s *Service) ListByDoctor(ctx context.Context, doctorName string, date time.Time) ([]*Appointment, error) {
	return s.repo.ListByDoctorAndDate(ctx, doctorName, date)
}

// Search runs the store's filtered text search.
func (s *Service) Search(ctx context.Context, query string, filter SearchFilter) ([]*Appointment, error) {
	return s.repo.Search(ctx, query, filter)
}

// AvailableSlots exposes the availability engine on the service surface.
func (s *Service) AvailableSlots(ctx context.Context, doctorName string, date time.Time) ([]schedule.Slot, error) {
	slots, err := s.availability.AvailableSlots(ctx, doctorName, date)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return nil, reject(RejectUnknownDoctor, "no doctor named "+doctorName)
		}
		return nil, err
	}
	return slots, nil
}

// ValidationReport collects every violation in one pass, with a caller-facing
// suggestion per violation. Voice-originated requests report all problems at
// once instead of first-failure-wins.
type ValidationReport struct {
	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions"`
}

// Valid reports whether no violations were found.
func (v *ValidationReport) Valid() bool {
	return len(v.Errors) == 0
}

// ValidateAll checks a request without short-circuiting and without touching
// the store's write path.
func (s *Service) ValidateAll(ctx context.Context, req BookRequest) *ValidationReport {
	report := &ValidationReport{}
	fail := func(problem, suggestion string) {
		report.Errors = append(report.Errors, problem)
		report.Suggestions = append(report.Suggestions, suggestion)
	}

	for _, field := range req.MissingFields() {
		fail(field+" is required", "please provide "+field)
	}
	if req.StartAt.IsZero() {
		return report
	}

	today := dateOnly(s.now())
	if dateOnly(req.StartAt).Before(today) {
		fail("appointment date cannot be in the past", "please choose a future date")
	}

	if req.DoctorName == "" {
		return report
	}
	hours, err := s.doctors.GetWorkingHours(ctx, req.DoctorName)
	if err != nil {
		fail("no doctor named "+req.DoctorName, "please choose one of the practice's doctors")
		return report
	}
	entry, ok := hours.HoursFor(req.StartAt)
	if !ok || !entry.Available {
		fail("the doctor does not work on "+req.StartAt.Weekday().String(), "please choose a working day")
		return report
	}
	if !withinHours(req.StartAt, entry) {
		fail(fmt.Sprintf("appointments run from %d:00 to %d:00", entry.StartHour, entry.EndHour),
			"please choose a time inside working hours")
	} else if !schedule.IsGridAligned(req.StartAt, entry.StartHour, entry.EndHour, s.availability.Granularity()) {
		fail(fmt.Sprintf("times must fall on the %d-minute slot grid", s.availability.Granularity()),
			"please choose an on-the-grid time")
	}
	return report
}

// validateSlot runs validation steps 2-6: past date, business day, business
// hours, grid alignment, and availability. First failure wins.
func (s *Service) validateSlot(ctx context.Context, doctorName string, start time.Time) error {
	today := dateOnly(s.now())
	if dateOnly(start).Before(today) {
		return reject(RejectPastDate, "appointment date cannot be in the past")
	}

	hours, err := s.doctors.GetWorkingHours(ctx, doctorName)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return reject(RejectUnknownDoctor, "no doctor named "+doctorName)
		}
		return err
	}
	entry, ok := hours.HoursFor(start)
	if !ok || !entry.Available {
		return reject(RejectNonBusinessDay,
			doctorName+" does not work on "+start.Weekday().String())
	}
	if !withinHours(start, entry) {
		return reject(RejectOutsideBusinessHours,
			fmt.Sprintf("%s works %d:00 to %d:00 on %s", doctorName, entry.StartHour, entry.EndHour, start.Weekday()))
	}
	if !schedule.IsGridAligned(start, entry.StartHour, entry.EndHour, s.availability.Granularity()) {
		return reject(RejectInvalidSlotAlignment,
			fmt.Sprintf("time must fall on the %d-minute slot grid", s.availability.Granularity()))
	}

	open, err := s.availability.HasSlot(ctx, doctorName, start)
	if err != nil {
		return err
	}
	if !open {
		return s.slotUnavailable(ctx, doctorName, start)
	}
	return nil
}

// slotUnavailable builds the rejection with up to five alternative open slots
// on the same date.
func (s *Service) slotUnavailable(ctx context.Context, doctorName string, start time.Time) *Rejection {
	rej := reject(RejectSlotUnavailable, "the requested time slot is not available")
	slots, err := s.availability.AvailableSlots(ctx, doctorName, start)
	if err != nil {
		s.logger.Warn("could not compute alternative slots", "doctor", doctorName, "error", err)
		return rej
	}
	if len(slots) > maxAlternativeSlots {
		slots = slots[:maxAlternativeSlots]
	}
	rej.Alternatives = slots
	return rej
}

// updateStatusOnce applies a status change guarded by the previously read
// status, retrying a single time when a concurrent change is detected.
func (s *Service) updateStatusOnce(ctx context.Context, appt *Appointment, next Status) (*Appointment, error) {
	status := next
	expected := appt.Status
	updated, err := s.repo.Update(ctx, appt.ID, UpdateFields{Status: &status, ExpectedStatus: &expected})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	current, getErr := s.repo.GetByID(ctx, appt.ID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == next {
		// Someone else already applied the same change.
		return current, nil
	}
	if _, trErr := Transition(current.Status, next); trErr != nil {
		return nil, trErr
	}
	expected = current.Status
	return s.repo.Update(ctx, appt.ID, UpdateFields{Status: &status, ExpectedStatus: &expected})
}

func (s *Service) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveOutcome(op, outcome)
	}
}

func withinHours(t time.Time, entry directory.DayHours) bool {
	h := t.Hour()
	return h >= entry.StartHour && h < entry.EndHour
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
