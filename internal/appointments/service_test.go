package appointments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhealth/scheduler/internal/directory"
	"github.com/kestrelhealth/scheduler/internal/schedule"
	"github.com/kestrelhealth/scheduler/pkg/logging"
)

// testNow pins the clock so the past-date check is deterministic.
var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *InMemoryRepository) {
	t.Helper()
	repo := NewInMemoryRepository()
	dir := directory.NewInMemoryDirectory()
	dir.AddDoctor(directory.Doctor{DisplayName: "Dr. Smith", Active: true})
	dir.AddDoctor(directory.Doctor{DisplayName: "Dr. Johnson", Active: true})
	availability := schedule.NewAvailability(dir, NewReservationSource(repo), 30)
	svc := NewService(repo, availability, dir, logging.Default(), nil)
	svc.WithClock(func() time.Time { return testNow })
	return svc, repo
}

func validRequest() BookRequest {
	return BookRequest{
		PatientID:   "pat-1",
		PatientName: "John Doe",
		DoctorName:  "Dr. Smith",
		StartAt:     time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), // a Monday
		Reason:      "Annual checkup",
	}
}

func TestBookRoundTrip(t *testing.T) {
	svc, repo := newTestService(t)
	req := validRequest()

	appt, err := svc.Book(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, appt.ID)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, DefaultDurationMinutes, appt.DurationMinutes)

	stored, err := repo.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, req.PatientName, stored.PatientName)
	assert.Equal(t, req.DoctorName, stored.DoctorName)
	assert.True(t, stored.StartAt.Equal(req.StartAt))
	assert.Equal(t, StatusScheduled, stored.Status)
}

func TestBookMissingFields(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Book(context.Background(), BookRequest{DoctorName: "Dr. Smith"})
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	assert.Equal(t, RejectMissingFields, rej.Code)
	assert.Contains(t, rej.MissingFields, "patient_name")
	assert.Contains(t, rej.MissingFields, "date")
}

func TestBookPastDate(t *testing.T) {
	svc, _ := newTestService(t)
	req := validRequest()
	req.StartAt = time.Date(2023, 12, 18, 9, 0, 0, 0, time.UTC)

	_, err := svc.Book(context.Background(), req)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectPastDate, rej.Code)
}

func TestBookNonBusinessDay(t *testing.T) {
	svc, _ := newTestService(t)
	req := validRequest()
	req.StartAt = time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC) // a Saturday

	_, err := svc.Book(context.Background(), req)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNonBusinessDay, rej.Code)
}

func TestBookOutsideBusinessHours(t *testing.T) {
	svc, _ := newTestService(t)
	req := validRequest()
	req.StartAt = time.Date(2024, 1, 8, 18, 0, 0, 0, time.UTC)

	_, err := svc.Book(context.Background(), req)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectOutsideBusinessHours, rej.Code)
}

func TestBookOffGridTime(t *testing.T) {
	svc, _ := newTestService(t)
	req := validRequest()
	req.StartAt = time.Date(2024, 1, 8, 9, 15, 0, 0, time.UTC)

	_, err := svc.Book(context.Background(), req)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectInvalidSlotAlignment, rej.Code, "09:15 must be rejected, not rounded")
}

func TestBookUnknownDoctor(t *testing.T) {
	svc, _ := newTestService(t)
	req := validRequest()
	req.DoctorName = "Dr. Nobody"

	_, err := svc.Book(context.Background(), req)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectUnknownDoctor, rej.Code)
}

func TestBookTakenSlotSuggestsAlternatives(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	second := validRequest()
	second.PatientID = "pat-2"
	second.PatientName = "Jane Roe"
	_, err = svc.Book(context.Background(), second)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectSlotUnavailable, rej.Code)
	require.NotEmpty(t, rej.Alternatives)
	assert.LessOrEqual(t, len(rej.Alternatives), 5)
	for _, slot := range rej.Alternatives {
		assert.False(t, slot.StartAt.Equal(validRequest().StartAt), "the taken slot must not be suggested")
	}
}

func TestBookSameSlotDifferentDoctor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	other := validRequest()
	other.DoctorName = "Dr. Johnson"
	_, err = svc.Book(context.Background(), other)
	assert.NoError(t, err, "doctors do not share slots")
}

func TestConcurrentBookingExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := validRequest()
			_, errs[i] = svc.Book(context.Background(), req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		rej, ok := AsRejection(err)
		require.True(t, ok, "unexpected error kind: %v", err)
		assert.Equal(t, RejectSlotUnavailable, rej.Code)
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent booking must win")
}

func TestCancelIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	first, err := svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, first.Status)

	second, err := svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err, "cancelling twice is a no-op success")
	assert.Equal(t, StatusCancelled, second.Status)
}

func TestCancelFreesSlot(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	rebook := validRequest()
	rebook.PatientID = "pat-2"
	_, err = svc.Book(context.Background(), rebook)
	assert.NoError(t, err, "a cancelled slot is bookable again")
}

func TestCancelUnknown(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Cancel(context.Background(), "no-such-id")
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNotFound, rej.Code)
}

func TestCancelCompleted(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), appt.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), appt.ID)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectIllegalTransition, rej.Code)
}

func TestRescheduleMovesInPlace(t *testing.T) {
	svc, repo := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	newStart := time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)
	moved, err := svc.Reschedule(context.Background(), appt.ID, newStart)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, moved.ID)
	assert.Equal(t, StatusRescheduled, moved.Status)
	assert.True(t, moved.StartAt.Equal(newStart))

	// No second record: the original day has nothing left, the new day one.
	oldDay, err := repo.ListByDoctorAndDate(context.Background(), "Dr. Smith", appt.StartAt)
	require.NoError(t, err)
	assert.Len(t, oldDay, 0)
	newDay, err := repo.ListByDoctorAndDate(context.Background(), "Dr. Smith", newStart)
	require.NoError(t, err)
	assert.Len(t, newDay, 1)
}

func TestRescheduleToTakenSlot(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	second := validRequest()
	second.PatientID = "pat-2"
	second.StartAt = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	moved, err := svc.Book(context.Background(), second)
	require.NoError(t, err)

	_, err = svc.Reschedule(context.Background(), moved.ID, first.StartAt)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectSlotUnavailable, rej.Code)
	assert.NotEmpty(t, rej.Alternatives)
}

func TestRescheduleValidatesNewStart(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Reschedule(context.Background(), appt.ID, time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNonBusinessDay, rej.Code)
}

func TestValidateAllReportsEverything(t *testing.T) {
	svc, _ := newTestService(t)

	report := svc.ValidateAll(context.Background(), BookRequest{
		PatientName: "John Doe",
		DoctorName:  "Dr. Smith",
		StartAt:     time.Date(2023, 12, 16, 9, 15, 0, 0, time.UTC), // past AND a Saturday
	})
	assert.False(t, report.Valid())
	assert.GreaterOrEqual(t, len(report.Errors), 2, "all violations reported together: %v", report.Errors)
	assert.Len(t, report.Suggestions, len(report.Errors))
}

func TestValidateAllCleanRequest(t *testing.T) {
	svc, _ := newTestService(t)

	report := svc.ValidateAll(context.Background(), validRequest())
	assert.True(t, report.Valid(), "unexpected violations: %v", report.Errors)
}

func TestUpdateEditsDetails(t *testing.T) {
	svc, repo := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	phone := "+15551234567"
	reason := "Follow-up visit"
	duration := 60
	updated, err := svc.Update(context.Background(), appt.ID, UpdateRequest{
		PatientPhone:    &phone,
		Reason:          &reason,
		DurationMinutes: &duration,
	})
	require.NoError(t, err)
	assert.Equal(t, phone, updated.PatientPhone)
	assert.Equal(t, reason, updated.Reason)
	assert.Equal(t, duration, updated.DurationMinutes)
	assert.Equal(t, StatusScheduled, updated.Status, "detail edits leave the status alone")
	assert.True(t, updated.StartAt.Equal(appt.StartAt))

	stored, err := repo.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, phone, stored.PatientPhone)
}

func TestUpdateMovesStart(t *testing.T) {
	svc, repo := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	newStart := time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)
	updated, err := svc.Update(context.Background(), appt.ID, UpdateRequest{StartAt: &newStart})
	require.NoError(t, err)
	assert.True(t, updated.StartAt.Equal(newStart))

	// The move frees the old slot.
	oldDay, err := repo.ListByDoctorAndDate(context.Background(), "Dr. Smith", appt.StartAt)
	require.NoError(t, err)
	assert.Len(t, oldDay, 0)
}

func TestUpdateValidatesNewStart(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	saturday := time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC)
	_, err = svc.Update(context.Background(), appt.ID, UpdateRequest{StartAt: &saturday})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNonBusinessDay, rej.Code)
}

func TestUpdateToTakenSlot(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	second := validRequest()
	second.PatientID = "pat-2"
	second.StartAt = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	other, err := svc.Book(context.Background(), second)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), other.ID, UpdateRequest{StartAt: &first.StartAt})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectSlotUnavailable, rej.Code)
	assert.NotEmpty(t, rej.Alternatives)
}

func TestUpdateRejectsEmptyAndFinishedAppointments(t *testing.T) {
	svc, _ := newTestService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), appt.ID, UpdateRequest{})
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectValidation, rej.Code)

	bad := 0
	_, err = svc.Update(context.Background(), appt.ID, UpdateRequest{DurationMinutes: &bad})
	rej, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectValidation, rej.Code)

	_, err = svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	reason := "changed my mind"
	_, err = svc.Update(context.Background(), appt.ID, UpdateRequest{Reason: &reason})
	rej, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectIllegalTransition, rej.Code)

	_, err = svc.Update(context.Background(), "no-such-id", UpdateRequest{Reason: &reason})
	rej, ok = AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, RejectNotFound, rej.Code)
}

// conflictingRepository fails guarded updates with ErrConflict a fixed number
// of times before delegating to the in-memory store. onConflict, when set,
// runs on each injected failure to simulate the concurrent writer.
type conflictingRepository struct {
	*InMemoryRepository
	conflicts  int
	updates    int
	onConflict func()
}

func (r *conflictingRepository) Update(ctx context.Context, id string, fields UpdateFields) (*Appointment, error) {
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		if r.onConflict != nil {
			r.onConflict()
		}
		return nil, ErrConflict
	}
	return r.InMemoryRepository.Update(ctx, id, fields)
}

func newConflictService(t *testing.T) (*Service, *conflictingRepository) {
	t.Helper()
	repo := &conflictingRepository{InMemoryRepository: NewInMemoryRepository()}
	dir := directory.NewInMemoryDirectory()
	dir.AddDoctor(directory.Doctor{DisplayName: "Dr. Smith", Active: true})
	availability := schedule.NewAvailability(dir, NewReservationSource(repo), 30)
	svc := NewService(repo, availability, dir, logging.Default(), nil)
	svc.WithClock(func() time.Time { return testNow })
	return svc, repo
}

func TestCancelRetriesOnceAfterConcurrentStatusChange(t *testing.T) {
	svc, repo := newConflictService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	// The first guarded update loses the race: another writer has already
	// moved the appointment to rescheduled.
	repo.conflicts = 1
	repo.onConflict = func() {
		status := StatusRescheduled
		_, err := repo.InMemoryRepository.Update(context.Background(), appt.ID, UpdateFields{Status: &status})
		require.NoError(t, err)
	}

	cancelled, err := svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 2, repo.updates, "one retry after the detected conflict")
}

func TestCancelSurfacesRepeatedConflict(t *testing.T) {
	svc, repo := newConflictService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	repo.conflicts = 2
	_, err = svc.Cancel(context.Background(), appt.ID)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, repo.updates, "the retry is attempted exactly once")
}

func TestRescheduleRetriesOnceAfterConflict(t *testing.T) {
	svc, repo := newConflictService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	repo.conflicts = 1
	newStart := time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)
	moved, err := svc.Reschedule(context.Background(), appt.ID, newStart)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, moved.Status)
	assert.True(t, moved.StartAt.Equal(newStart))
	assert.Equal(t, 2, repo.updates)
}

func TestRescheduleSurfacesRepeatedConflict(t *testing.T) {
	svc, repo := newConflictService(t)

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	repo.conflicts = 2
	_, err = svc.Reschedule(context.Background(), appt.ID, time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, repo.updates)
}
