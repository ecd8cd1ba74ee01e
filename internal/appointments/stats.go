package appointments

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats is the read-only dashboard projection over the appointment store.
type Stats struct {
	Today     int64            `json:"today"`
	ThisWeek  int64            `json:"this_week"`
	ThisMonth int64            `json:"this_month"`
	ByStatus  map[string]int64 `json:"by_status"`
	ByDoctor  map[string]int64 `json:"by_doctor"`
}

// StatsRepository aggregates appointment counts from the database.
type StatsRepository struct {
	db  pgDB
	now func() time.Time
}

// NewStatsRepository creates a stats repository backed by pgxpool.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	if pool == nil {
		panic("appointments: pgx pool required for stats")
	}
	return &StatsRepository{db: pool, now: time.Now}
}

// NewStatsRepositoryWithDB allows injecting a mock database for testing.
func NewStatsRepositoryWithDB(db pgDB) *StatsRepository {
	return &StatsRepository{db: db, now: time.Now}
}

// WithClock pins the repository's notion of now; tests use it to make the
// day/week/month windows deterministic.
func (r *StatsRepository) WithClock(now func() time.Time) *StatsRepository {
	r.now = now
	return r
}

// GetStats computes today/week/month counts over non-cancelled appointments
// plus status and doctor distributions over everything.
func (r *StatsRepository) GetStats(ctx context.Context) (*Stats, error) {
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := today.AddDate(0, 0, -weekdayOffset(today))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	stats := &Stats{
		ByStatus: map[string]int64{},
		ByDoctor: map[string]int64{},
	}

	countQuery := `
		SELECT COUNT(*) FROM appointments
		WHERE start_at >= $1 AND start_at < $2 AND status <> 'cancelled'
	`
	if err := r.db.QueryRow(ctx, countQuery, today, today.AddDate(0, 0, 1)).Scan(&stats.Today); err != nil {
		return nil, fmt.Errorf("appointments stats: count today: %w", err)
	}
	if err := r.db.QueryRow(ctx, countQuery, weekStart, weekStart.AddDate(0, 0, 7)).Scan(&stats.ThisWeek); err != nil {
		return nil, fmt.Errorf("appointments stats: count week: %w", err)
	}
	if err := r.db.QueryRow(ctx, countQuery, monthStart, monthStart.AddDate(0, 1, 0)).Scan(&stats.ThisMonth); err != nil {
		return nil, fmt.Errorf("appointments stats: count month: %w", err)
	}

	if err := r.groupCount(ctx, `SELECT status, COUNT(*) FROM appointments GROUP BY status`, stats.ByStatus); err != nil {
		return nil, fmt.Errorf("appointments stats: by status: %w", err)
	}
	if err := r.groupCount(ctx, `SELECT doctor_name, COUNT(*) FROM appointments GROUP BY doctor_name`, stats.ByDoctor); err != nil {
		return nil, fmt.Errorf("appointments stats: by doctor: %w", err)
	}
	return stats, nil
}

func (r *StatsRepository) groupCount(ctx context.Context, sql string, into map[string]int64) error {
	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// weekdayOffset returns days since Monday, the start of the practice week.
func weekdayOffset(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 6
	}
	return wd - 1
}
