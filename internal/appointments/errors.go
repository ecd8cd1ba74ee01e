package appointments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kestrelhealth/scheduler/internal/schedule"
)

var (
	// ErrNotFound is returned when no appointment matches the given ID.
	ErrNotFound = errors.New("appointment not found")

	// ErrSlotTaken is returned by the store when an insert or update collides
	// with an existing non-cancelled reservation for the same doctor and start.
	ErrSlotTaken = errors.New("slot already booked")

	// ErrConflict is returned when a conditional update detects a concurrent
	// status change since the caller's read.
	ErrConflict = errors.New("appointment modified concurrently")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	// The service surfaces it as-is; retry policy belongs to the caller.
	ErrStoreUnavailable = errors.New("reservation store unavailable")
)

// RejectionCode classifies why a booking request was refused.
type RejectionCode string

const (
	RejectMissingFields        RejectionCode = "missing_fields"
	RejectValidation           RejectionCode = "validation_failed"
	RejectPastDate             RejectionCode = "past_date"
	RejectNonBusinessDay       RejectionCode = "non_business_day"
	RejectOutsideBusinessHours RejectionCode = "outside_business_hours"
	RejectInvalidSlotAlignment RejectionCode = "invalid_slot_alignment"
	RejectSlotUnavailable      RejectionCode = "slot_unavailable"
	RejectNotFound             RejectionCode = "not_found"
	RejectIllegalTransition    RejectionCode = "illegal_transition"
	RejectUnknownDoctor        RejectionCode = "unknown_doctor"
)

// Rejection is a typed refusal carrying enough structure for the caller to
// react: which fields were missing, which nearby slots are still open.
type Rejection struct {
	Code          RejectionCode   `json:"code"`
	Reason        string          `json:"reason"`
	MissingFields []string        `json:"missing_fields,omitempty"`
	Alternatives  []schedule.Slot `json:"alternatives,omitempty"`
}

func (r *Rejection) Error() string {
	if len(r.MissingFields) > 0 {
		return fmt.Sprintf("%s: %s", r.Reason, strings.Join(r.MissingFields, ", "))
	}
	return r.Reason
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(code RejectionCode, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}
