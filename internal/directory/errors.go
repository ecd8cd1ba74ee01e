package directory

import "errors"

var (
	// ErrDoctorNotFound is returned when no doctor matches the given name.
	ErrDoctorNotFound = errors.New("doctor not found")

	// ErrPatientNotFound is returned when no patient matches the given reference.
	ErrPatientNotFound = errors.New("patient not found")
)
