package appointments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDB is the slice of pgxpool.Pool this repository uses; pgxmock satisfies it
// in tests.
type pgDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores appointments in the relational database. The slot
// exclusivity rule lives in the schema: a partial unique index on
// (doctor_name, start_at) over non-cancelled rows turns a racing second
// insert into a unique violation, which surfaces here as ErrSlotTaken.
type PostgresRepository struct {
	db pgDB
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

// NewPostgresRepositoryWithDB allows injecting a mock database for testing.
func NewPostgresRepositoryWithDB(db pgDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const apptColumns = `id, patient_id, patient_name, patient_phone, doctor_name,
	start_at, duration_minutes, status, reason, created_at, updated_at`

// Insert persists a new appointment row.
func (r *PostgresRepository) Insert(ctx context.Context, appt *Appointment) (*Appointment, error) {
	stored := *appt
	stored.ID = uuid.NewString()
	if stored.Status == "" {
		stored.Status = StatusScheduled
	}
	if stored.DurationMinutes == 0 {
		stored.DurationMinutes = DefaultDurationMinutes
	}

	query := `
		INSERT INTO appointments (id, patient_id, patient_name, patient_phone,
			doctor_name, start_at, duration_minutes, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	if err := r.db.QueryRow(ctx, query,
		stored.ID,
		stored.PatientID,
		stored.PatientName,
		stored.PatientPhone,
		stored.DoctorName,
		stored.StartAt,
		stored.DurationMinutes,
		stored.Status,
		stored.Reason,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, mapStoreError("insert", err)
	}
	return &stored, nil
}

// GetByID fetches one appointment.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	query := `SELECT ` + apptColumns + ` FROM appointments WHERE id = $1`
	appt, err := scanAppointment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapStoreError("select", err)
	}
	return appt, nil
}

// ListByDoctorAndDate returns the doctor's appointments within the calendar
// date, ascending.
func (r *PostgresRepository) ListByDoctorAndDate(ctx context.Context, doctorName string, date time.Time) ([]*Appointment, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE LOWER(doctor_name) = LOWER($1) AND start_at >= $2 AND start_at < $3
		ORDER BY start_at ASC
	`
	rows, err := r.db.Query(ctx, query, doctorName, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, mapStoreError("list by doctor", err)
	}
	return collectAppointments(rows, "list by doctor")
}

// ListByPatient returns a patient's appointments, newest start first.
func (r *PostgresRepository) ListByPatient(ctx context.Context, patientRef string) ([]*Appointment, error) {
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE patient_id = $1 OR LOWER(patient_name) = LOWER($1)
		ORDER BY start_at DESC
	`
	rows, err := r.db.Query(ctx, query, patientRef)
	if err != nil {
		return nil, mapStoreError("list by patient", err)
	}
	return collectAppointments(rows, "list by patient")
}

// Update applies the non-nil fields. With ExpectedStatus set, the update is
// conditional on the row still holding that status; losing the race returns
// ErrConflict rather than overwriting.
func (r *PostgresRepository) Update(ctx context.Context, id string, fields UpdateFields) (*Appointment, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	idx := 2

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if fields.PatientName != nil {
		add("patient_name", *fields.PatientName)
	}
	if fields.PatientPhone != nil {
		add("patient_phone", *fields.PatientPhone)
	}
	if fields.DoctorName != nil {
		add("doctor_name", *fields.DoctorName)
	}
	if fields.StartAt != nil {
		add("start_at", *fields.StartAt)
	}
	if fields.DurationMinutes != nil {
		add("duration_minutes", *fields.DurationMinutes)
	}
	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Reason != nil {
		add("reason", *fields.Reason)
	}

	where := "id = $1"
	if fields.ExpectedStatus != nil {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *fields.ExpectedStatus)
	}

	query := fmt.Sprintf(
		"UPDATE appointments SET %s WHERE %s RETURNING %s",
		strings.Join(sets, ", "), where, apptColumns,
	)
	appt, err := scanAppointment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the row is gone or the status guard failed; look again
			// to tell the caller which.
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrConflict
		}
		return nil, mapStoreError("update", err)
	}
	return appt, nil
}

// Search text-matches patient name, doctor name, and reason, narrowed by the
// explicit filter fields, ascending by start, capped at 100 rows.
func (r *PostgresRepository) Search(ctx context.Context, query string, filter SearchFilter) ([]*Appointment, error) {
	clauses := []string{"TRUE"}
	var args []any
	idx := 1

	add := func(clause string, value any) {
		clauses = append(clauses, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}
	if q := strings.TrimSpace(query); q != "" {
		pattern := "%" + q + "%"
		clauses = append(clauses, fmt.Sprintf(
			"(patient_name ILIKE $%d OR doctor_name ILIKE $%d OR reason ILIKE $%d)", idx, idx, idx))
		args = append(args, pattern)
		idx++
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.DoctorName != "" {
		add("LOWER(doctor_name) = LOWER($%d)", filter.DoctorName)
	}
	if !filter.From.IsZero() {
		add("start_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("start_at <= $%d", filter.To)
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM appointments WHERE %s ORDER BY start_at ASC LIMIT %d",
		apptColumns, strings.Join(clauses, " AND "), searchResultLimit,
	)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapStoreError("search", err)
	}
	return collectAppointments(rows, "search")
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PatientName,
		&a.PatientPhone,
		&a.DoctorName,
		&a.StartAt,
		&a.DurationMinutes,
		&a.Status,
		&a.Reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows, op string) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: %s: scan: %w", op, err)
		}
		out = append(out, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(op, err)
	}
	return out, nil
}

// mapStoreError translates driver failures into the store contract: unique
// violations on the slot index become ErrSlotTaken, connection-level failures
// become ErrStoreUnavailable, everything else is wrapped as-is.
func mapStoreError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return ErrSlotTaken
		}
		return fmt.Errorf("appointments: %s: %w", op, err)
	}
	var netErr net.Error
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return fmt.Errorf("appointments: %s: %w", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("appointments: %s: %w", op, err)
}
