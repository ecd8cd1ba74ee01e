package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelhealth/scheduler/internal/appointments"
	"github.com/kestrelhealth/scheduler/internal/directory"
	"github.com/kestrelhealth/scheduler/internal/observability/metrics"
	"github.com/kestrelhealth/scheduler/pkg/logging"
)

// OutcomeKind classifies what the adapter did with an intent.
type OutcomeKind string

const (
	OutcomeBooked               OutcomeKind = "booked"
	OutcomeCancelled            OutcomeKind = "cancelled"
	OutcomeRescheduled          OutcomeKind = "rescheduled"
	OutcomeIncompleteInfo       OutcomeKind = "incomplete_info"
	OutcomeValidationFailed     OutcomeKind = "validation_failed"
	OutcomeSlotUnavailable      OutcomeKind = "slot_unavailable"
	OutcomeDisambiguationNeeded OutcomeKind = "disambiguation_needed"
	OutcomeNotFound             OutcomeKind = "not_found"
	OutcomeNoAction             OutcomeKind = "no_action"
)

// Outcome is the structured result the voice pipeline turns into a spoken
// reply. Every field the caller might react to is explicit.
type Outcome struct {
	Kind          OutcomeKind                 `json:"kind"`
	Message       string                      `json:"message"`
	MissingFields []string                    `json:"missing_fields,omitempty"`
	Errors        []string                    `json:"errors,omitempty"`
	Suggestions   []string                    `json:"suggestions,omitempty"`
	Alternatives  []string                    `json:"alternatives,omitempty"`
	Appointment   *appointments.Appointment   `json:"appointment,omitempty"`
	Candidates    []*appointments.Appointment `json:"candidates,omitempty"`
}

// defaultReason is applied when the caller never states why they are coming in.
const defaultReason = "General consultation"

// requiredBookingEntities are the entities a booking cannot proceed without.
// A doctor is deliberately included: guessing a doctor on the patient's
// behalf is not acceptable.
var requiredBookingEntities = []string{"patient_name", "doctor_name", "date", "time"}

// Adapter maps NLU results onto booking service calls.
type Adapter struct {
	service  *appointments.Service
	repo     appointments.Repository
	patients directory.PatientDirectory
	logger   *logging.Logger
	metrics  *metrics.BookingMetrics
}

// NewAdapter constructs the intent adapter. patients may be nil; known
// callers then book as walk-ins under the name the pipeline heard.
func NewAdapter(service *appointments.Service, repo appointments.Repository, patients directory.PatientDirectory, logger *logging.Logger, m *metrics.BookingMetrics) *Adapter {
	if service == nil {
		panic("voice: appointments service required")
	}
	if repo == nil {
		panic("voice: appointments repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{service: service, repo: repo, patients: patients, logger: logger, metrics: m}
}

// Resolve dispatches one recognized intent. The session accumulates entities
// across turns; unknown intents are no-ops, never errors.
func (a *Adapter) Resolve(ctx context.Context, session *Session, intent string, entities map[string]string) Outcome {
	started := time.Now()
	intent = normalizeIntent(intent)

	var out Outcome
	switch intent {
	case "book":
		out = a.resolveBook(ctx, session, entities)
	case "cancel":
		out = a.resolveCancel(ctx, session, entities)
	case "reschedule":
		out = a.resolveReschedule(ctx, session, entities)
	default:
		out = Outcome{Kind: OutcomeNoAction, Message: "No appointment action required."}
	}

	if a.metrics != nil {
		a.metrics.ObserveIntent(intent, string(out.Kind))
		a.metrics.ObserveResolveDuration(intent, time.Since(started).Seconds())
	}
	return out
}

func (a *Adapter) resolveBook(ctx context.Context, session *Session, entities map[string]string) Outcome {
	session.Merge("book", entities)
	merged := session.PendingEntities

	var missing []string
	for _, field := range requiredBookingEntities {
		if strings.TrimSpace(merged[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return Outcome{
			Kind:          OutcomeIncompleteInfo,
			Message:       "Missing required information: " + strings.Join(missing, ", "),
			MissingFields: missing,
		}
	}

	start, err := appointments.ParseStartAt("", merged["date"], merged["time"])
	if err != nil {
		return Outcome{
			Kind:    OutcomeValidationFailed,
			Message: "Invalid date or time format.",
			Errors:  []string{"date must be YYYY-MM-DD and time must be HH:MM"},
		}
	}

	req := appointments.BookRequest{
		PatientID:    merged["patient_id"],
		PatientName:  merged["patient_name"],
		PatientPhone: merged["phone"],
		DoctorName:   merged["doctor_name"],
		StartAt:      start,
		Reason:       merged["reason"],
	}
	if req.Reason == "" {
		req.Reason = defaultReason
	}
	// Recognized patients book under their directory record.
	if patient := a.lookupPatient(ctx, firstNonEmpty(req.PatientID, req.PatientName, req.PatientPhone)); patient != nil {
		req.PatientID = patient.ID
		req.PatientName = patient.DisplayName
		if req.PatientPhone == "" {
			req.PatientPhone = patient.Phone
		}
	}

	// Voice callers hear every problem at once rather than one per turn.
	if report := a.service.ValidateAll(ctx, req); !report.Valid() {
		return Outcome{
			Kind:        OutcomeValidationFailed,
			Message:     "Please correct the booking details.",
			Errors:      report.Errors,
			Suggestions: report.Suggestions,
		}
	}

	appt, err := a.service.Book(ctx, req)
	if err != nil {
		return a.bookingFailure(err)
	}

	session.Clear()
	return Outcome{
		Kind:        OutcomeBooked,
		Message:     confirmationMessage(appt),
		Appointment: appt,
	}
}

func (a *Adapter) resolveCancel(ctx context.Context, session *Session, entities map[string]string) Outcome {
	session.Merge("cancel", entities)
	merged := session.PendingEntities

	if id := merged["appointment_id"]; id != "" {
		appt, err := a.service.Cancel(ctx, id)
		if err != nil {
			return a.bookingFailure(err)
		}
		session.Clear()
		return Outcome{Kind: OutcomeCancelled, Message: "Your appointment has been cancelled.", Appointment: appt}
	}

	patientRef := firstNonEmpty(merged["patient_id"], merged["patient_name"], merged["phone"])
	if patientRef == "" {
		return Outcome{
			Kind:          OutcomeIncompleteInfo,
			Message:       "Please provide the patient name to find appointments to cancel.",
			MissingFields: []string{"patient_name"},
		}
	}

	candidates, err := a.activeAppointments(ctx, patientRef)
	if err != nil {
		return a.bookingFailure(err)
	}
	switch len(candidates) {
	case 0:
		return Outcome{Kind: OutcomeNotFound, Message: "No appointments found for this patient."}
	case 1:
		appt, err := a.service.Cancel(ctx, candidates[0].ID)
		if err != nil {
			return a.bookingFailure(err)
		}
		session.Clear()
		return Outcome{Kind: OutcomeCancelled, Message: "Your appointment has been cancelled.", Appointment: appt}
	default:
		// Never guess which one the caller means.
		return Outcome{
			Kind:       OutcomeDisambiguationNeeded,
			Message:    "Which appointment would you like to cancel?",
			Candidates: candidates,
		}
	}
}

func (a *Adapter) resolveReschedule(ctx context.Context, session *Session, entities map[string]string) Outcome {
	session.Merge("reschedule", entities)
	merged := session.PendingEntities

	apptID := merged["appointment_id"]
	if apptID == "" {
		patientRef := firstNonEmpty(merged["patient_id"], merged["patient_name"], merged["phone"])
		if patientRef != "" {
			candidates, err := a.activeAppointments(ctx, patientRef)
			if err != nil {
				return a.bookingFailure(err)
			}
			switch len(candidates) {
			case 0:
				return Outcome{Kind: OutcomeNotFound, Message: "No appointments found for this patient."}
			case 1:
				apptID = candidates[0].ID
			default:
				return Outcome{
					Kind:       OutcomeDisambiguationNeeded,
					Message:    "Which appointment would you like to move?",
					Candidates: candidates,
				}
			}
		}
	}

	var missing []string
	if apptID == "" {
		missing = append(missing, "appointment_id")
	}
	if merged["date"] == "" {
		missing = append(missing, "date")
	}
	if merged["time"] == "" {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		return Outcome{
			Kind:          OutcomeIncompleteInfo,
			Message:       "To reschedule, please provide the appointment and your preferred new time.",
			MissingFields: missing,
		}
	}

	start, err := appointments.ParseStartAt("", merged["date"], merged["time"])
	if err != nil {
		return Outcome{
			Kind:    OutcomeValidationFailed,
			Message: "Invalid date or time format.",
			Errors:  []string{"date must be YYYY-MM-DD and time must be HH:MM"},
		}
	}

	appt, err := a.service.Reschedule(ctx, apptID, start)
	if err != nil {
		return a.bookingFailure(err)
	}
	session.Clear()
	return Outcome{
		Kind:        OutcomeRescheduled,
		Message:     "Your appointment has been moved to " + appt.StartAt.Format("January 2 at 3:04 PM") + ".",
		Appointment: appt,
	}
}

// lookupPatient resolves a directory record for the reference, or nil when
// the directory is absent or has no match.
func (a *Adapter) lookupPatient(ctx context.Context, ref string) *directory.Patient {
	if a.patients == nil || ref == "" {
		return nil
	}
	patient, err := a.patients.GetPatient(ctx, ref)
	if err != nil {
		return nil
	}
	return patient
}

// activeAppointments returns the patient's non-cancelled appointments,
// resolving the reference through the directory first so a phone number finds
// appointments booked under the patient's ID.
func (a *Adapter) activeAppointments(ctx context.Context, patientRef string) ([]*appointments.Appointment, error) {
	if patient := a.lookupPatient(ctx, patientRef); patient != nil {
		patientRef = patient.ID
	}
	appts, err := a.repo.ListByPatient(ctx, patientRef)
	if err != nil {
		return nil, err
	}
	active := appts[:0]
	for _, appt := range appts {
		if appt.Status != appointments.StatusCancelled {
			active = append(active, appt)
		}
	}
	return active, nil
}

// bookingFailure maps service errors onto outcomes the pipeline can speak.
func (a *Adapter) bookingFailure(err error) Outcome {
	if rej, ok := appointments.AsRejection(err); ok {
		switch rej.Code {
		case appointments.RejectSlotUnavailable:
			alts := make([]string, 0, len(rej.Alternatives))
			for _, slot := range rej.Alternatives {
				alts = append(alts, slot.StartAt.Format("15:04"))
			}
			return Outcome{
				Kind:         OutcomeSlotUnavailable,
				Message:      "The requested time slot is not available.",
				Alternatives: alts,
			}
		case appointments.RejectNotFound, appointments.RejectUnknownDoctor:
			return Outcome{Kind: OutcomeNotFound, Message: rej.Reason}
		case appointments.RejectMissingFields:
			return Outcome{Kind: OutcomeIncompleteInfo, Message: rej.Reason, MissingFields: rej.MissingFields}
		default:
			return Outcome{Kind: OutcomeValidationFailed, Message: rej.Reason, Errors: []string{rej.Reason}}
		}
	}
	if errors.Is(err, appointments.ErrStoreUnavailable) {
		a.logger.Error("voice action failed, store unavailable", "error", err)
		return Outcome{Kind: OutcomeValidationFailed, Message: "The scheduling system is temporarily unavailable."}
	}
	a.logger.Error("voice action failed", "error", err)
	return Outcome{Kind: OutcomeValidationFailed, Message: "Sorry, there was an error processing your appointment request."}
}

func confirmationMessage(appt *appointments.Appointment) string {
	return fmt.Sprintf("Appointment booked with %s for %s.",
		appt.DoctorName, appt.StartAt.Format("January 2, 2006 at 3:04 PM"))
}

// normalizeIntent folds the pipeline's two naming schemes ("book" and
// "book_appointment") into one.
func normalizeIntent(intent string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(intent)), "_appointment")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
