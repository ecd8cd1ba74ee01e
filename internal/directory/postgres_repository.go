package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDB is the subset of pgxpool.Pool the directory queries need. Tests inject
// a pgxmock pool through it.
type pgDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory reads doctor and patient records from the relational
// database.
type PostgresDirectory struct {
	db pgDB
}

// NewPostgresDirectory initializes a directory backed by pgxpool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	if pool == nil {
		panic("directory: pgx pool required")
	}
	return &PostgresDirectory{db: pool}
}

// NewPostgresDirectoryWithDB allows injecting a mock database for testing.
func NewPostgresDirectoryWithDB(db pgDB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// GetDoctor loads a doctor row by display name, case-insensitively.
func (d *PostgresDirectory) GetDoctor(ctx context.Context, doctorName string) (*Doctor, error) {
	query := `
		SELECT id, display_name, specialty, working_hours, active
		FROM doctors
		WHERE LOWER(display_name) = LOWER($1) AND active = TRUE
	`
	var (
		doc      Doctor
		rawHours []byte
	)
	if err := d.db.QueryRow(ctx, query, doctorName).Scan(
		&doc.ID,
		&doc.DisplayName,
		&doc.Specialty,
		&rawHours,
		&doc.Active,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("directory: select doctor: %w", err)
	}
	hours, err := decodeWorkingHours(rawHours)
	if err != nil {
		return nil, fmt.Errorf("directory: doctor %s: %w", doc.ID, err)
	}
	doc.WorkingHours = hours
	return &doc, nil
}

// GetWorkingHours returns the weekly schedule for the named doctor.
func (d *PostgresDirectory) GetWorkingHours(ctx context.Context, doctorName string) (WorkingHoursTable, error) {
	doc, err := d.GetDoctor(ctx, doctorName)
	if err != nil {
		return nil, err
	}
	return doc.WorkingHours, nil
}

// GetPatient resolves a patient by ID, display name, or phone number.
func (d *PostgresDirectory) GetPatient(ctx context.Context, ref string) (*Patient, error) {
	query := `
		SELECT id, display_name, phone, email, active
		FROM patients
		WHERE active = TRUE
		  AND (id::text = $1 OR LOWER(display_name) = LOWER($1) OR phone = $1)
		LIMIT 1
	`
	var p Patient
	if err := d.db.QueryRow(ctx, query, ref).Scan(
		&p.ID,
		&p.DisplayName,
		&p.Phone,
		&p.Email,
		&p.Active,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("directory: select patient: %w", err)
	}
	return &p, nil
}

// decodeWorkingHours parses the JSONB working_hours column, keyed by weekday
// number (0 = Sunday) to match time.Weekday.
func decodeWorkingHours(raw []byte) (WorkingHoursTable, error) {
	if len(raw) == 0 {
		return WorkingHoursTable{}, nil
	}
	var byDay map[string]DayHours
	if err := json.Unmarshal(raw, &byDay); err != nil {
		return nil, fmt.Errorf("decode working hours: %w", err)
	}
	table := WorkingHoursTable{}
	for key, hours := range byDay {
		day, err := strconv.Atoi(key)
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("decode working hours: bad weekday key %q", key)
		}
		table[time.Weekday(day)] = hours
	}
	return table, nil
}
