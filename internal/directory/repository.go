package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DoctorDirectory exposes the read contract the scheduler needs from the
// practice's doctor records.
type DoctorDirectory interface {
	GetWorkingHours(ctx context.Context, doctorName string) (WorkingHoursTable, error)
	GetDoctor(ctx context.Context, doctorName string) (*Doctor, error)
}

// PatientDirectory resolves a patient by ID, or by display name / phone when
// the caller only has what the voice pipeline extracted.
type PatientDirectory interface {
	GetPatient(ctx context.Context, ref string) (*Patient, error)
}

// InMemoryDirectory is a map-backed directory used in tests and local
// development. Doctors are keyed by display name, case-insensitively.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	doctors  map[string]*Doctor
	patients map[string]*Patient
}

// NewInMemoryDirectory creates an empty in-memory directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		doctors:  make(map[string]*Doctor),
		patients: make(map[string]*Patient),
	}
}

// AddDoctor registers a doctor. A nil working-hours table gets the practice
// default weekday schedule.
func (d *InMemoryDirectory) AddDoctor(doc Doctor) *Doctor {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.WorkingHours == nil {
		doc.WorkingHours = DefaultWeekdayHours()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doctors[strings.ToLower(doc.DisplayName)] = &doc
	return &doc
}

// AddPatient registers a patient.
func (d *InMemoryDirectory) AddPatient(p Patient) *Patient {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = &p
	return &p
}

// GetDoctor looks up a doctor by display name.
func (d *InMemoryDirectory) GetDoctor(ctx context.Context, doctorName string) (*Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.doctors[strings.ToLower(strings.TrimSpace(doctorName))]
	if !ok || !doc.Active {
		return nil, ErrDoctorNotFound
	}
	return doc, nil
}

// GetWorkingHours returns the weekly schedule for the named doctor.
func (d *InMemoryDirectory) GetWorkingHours(ctx context.Context, doctorName string) (WorkingHoursTable, error) {
	doc, err := d.GetDoctor(ctx, doctorName)
	if err != nil {
		return nil, err
	}
	return doc.WorkingHours, nil
}

// GetPatient resolves a patient by ID first, then by display name or phone.
func (d *InMemoryDirectory) GetPatient(ctx context.Context, ref string) (*Patient, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrPatientNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.patients[ref]; ok && p.Active {
		return p, nil
	}
	for _, p := range d.patients {
		if !p.Active {
			continue
		}
		if strings.EqualFold(p.DisplayName, ref) || p.Phone == ref {
			return p, nil
		}
	}
	return nil, ErrPatientNotFound
}
