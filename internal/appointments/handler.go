package appointments

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhealth/scheduler/pkg/logging"
)

// urlParam returns a path parameter with percent-encoding undone; chi hands
// params through raw when the request path needed escaping.
func urlParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// Handler serves the appointment HTTP surface.
type Handler struct {
	service *Service
	stats   *StatsRepository
	logger  *logging.Logger
}

// NewHandler creates the appointments handler. stats may be nil when no
// relational store is configured; the stats route then reports 503.
func NewHandler(service *Service, stats *StatsRepository, logger *logging.Logger) *Handler {
	if service == nil {
		panic("appointments: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, stats: stats, logger: logger}
}

// bookPayload is the wire form of a booking request. Date and Time combine
// into the start timestamp; StartAt (RFC3339) wins when both are present.
type bookPayload struct {
	PatientID       string `json:"patient_id"`
	PatientName     string `json:"patient_name"`
	PatientPhone    string `json:"patient_phone"`
	DoctorName      string `json:"doctor_name"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	StartAt         string `json:"start_at"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

func (p *bookPayload) toRequest() (BookRequest, error) {
	req := BookRequest{
		PatientID:       p.PatientID,
		PatientName:     p.PatientName,
		PatientPhone:    p.PatientPhone,
		DoctorName:      p.DoctorName,
		DurationMinutes: p.DurationMinutes,
		Reason:          p.Reason,
	}
	start, err := ParseStartAt(p.StartAt, p.Date, p.Time)
	if err != nil {
		return req, err
	}
	req.StartAt = start
	return req, nil
}

// ParseStartAt builds the start timestamp from either an RFC3339 value or a
// separate date (2006-01-02) and time (15:04) pair. All absent yields the
// zero time so the resolver can report the missing fields itself.
func ParseStartAt(rfc3339, date, clock string) (time.Time, error) {
	if rfc3339 != "" {
		t, err := time.Parse(time.RFC3339, rfc3339)
		if err != nil {
			return time.Time{}, reject(RejectValidation, "start_at must be RFC 3339")
		}
		return t, nil
	}
	if date == "" && clock == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02 15:04", date+" "+clock)
	if err != nil {
		return time.Time{}, reject(RejectValidation, "date must be YYYY-MM-DD and time must be HH:MM")
	}
	return t, nil
}

// Book handles POST /appointments.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var payload bookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		h.writeError(w, err)
		return
	}
	appt, err := h.service.Book(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// Get handles GET /appointments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Cancel handles POST /appointments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Complete handles POST /appointments/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	appt, err := h.service.Complete(r.Context(), urlParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// updatePayload is the wire form of a partial edit. Absent fields stay as
// they are; start_at, or a date and time pair, moves the appointment.
type updatePayload struct {
	PatientName     *string `json:"patient_name"`
	PatientPhone    *string `json:"patient_phone"`
	Reason          *string `json:"reason"`
	DurationMinutes *int    `json:"duration_minutes"`
	Date            string  `json:"date"`
	Time            string  `json:"time"`
	StartAt         string  `json:"start_at"`
}

// Update handles PATCH /appointments/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req := UpdateRequest{
		PatientName:     payload.PatientName,
		PatientPhone:    payload.PatientPhone,
		Reason:          payload.Reason,
		DurationMinutes: payload.DurationMinutes,
	}
	start, err := ParseStartAt(payload.StartAt, payload.Date, payload.Time)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !start.IsZero() {
		req.StartAt = &start
	}
	appt, err := h.service.Update(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Reschedule handles POST /appointments/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Date    string `json:"date"`
		Time    string `json:"time"`
		StartAt string `json:"start_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	start, err := ParseStartAt(payload.StartAt, payload.Date, payload.Time)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if start.IsZero() {
		h.writeError(w, &Rejection{
			Code:          RejectMissingFields,
			Reason:        "a new date and time are required",
			MissingFields: []string{"date", "time"},
		})
		return
	}
	appt, err := h.service.Reschedule(r.Context(), urlParam(r, "id"), start)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// ListByPatient handles GET /patients/{ref}/appointments.
func (h *Handler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	appts, err := h.service.ListByPatient(r.Context(), urlParam(r, "ref"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": appts, "count": len(appts)})
}

// ListByDoctor handles GET /doctors/{name}/appointments?date=YYYY-MM-DD.
func (h *Handler) ListByDoctor(w http.ResponseWriter, r *http.Request) {
	date, err := parseDateParam(r.URL.Query().Get("date"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if date.IsZero() {
		date = time.Now()
	}
	appts, err := h.service.ListByDoctor(r.Context(), urlParam(r, "name"), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": appts, "count": len(appts)})
}

// Slots handles GET /doctors/{name}/slots?date=YYYY-MM-DD.
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	date, err := parseDateParam(r.URL.Query().Get("date"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if date.IsZero() {
		h.writeError(w, reject(RejectValidation, "date query parameter is required"))
		return
	}
	slots, err := h.service.AvailableSlots(r.Context(), urlParam(r, "name"), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "count": len(slots)})
}

// Search handles GET /appointments/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SearchFilter{DoctorName: q.Get("doctor")}
	if status := q.Get("status"); status != "" {
		if !Status(status).Valid() {
			h.writeError(w, reject(RejectValidation, "unknown status "+status))
			return
		}
		filter.Status = Status(status)
	}
	var err error
	if filter.From, err = parseDateParam(q.Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.To, err = parseDateParam(q.Get("to")); err != nil {
		h.writeError(w, err)
		return
	}
	appts, err := h.service.Search(r.Context(), q.Get("q"), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": appts, "count": len(appts)})
}

// Stats handles GET /appointments/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.Error(w, "statistics unavailable", http.StatusServiceUnavailable)
		return
	}
	stats, err := h.stats.GetStats(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		http.Error(w, "statistics unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if rej, ok := AsRejection(err); ok {
		writeJSON(w, rejectionStatus(rej.Code), map[string]any{"error": rej})
		return
	}
	if errors.Is(err, ErrConflict) {
		http.Error(w, "appointment modified concurrently", http.StatusConflict)
		return
	}
	if errors.Is(err, ErrStoreUnavailable) {
		http.Error(w, "reservation store unavailable", http.StatusServiceUnavailable)
		return
	}
	h.logger.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func rejectionStatus(code RejectionCode) int {
	switch code {
	case RejectNotFound, RejectUnknownDoctor:
		return http.StatusNotFound
	case RejectSlotUnavailable, RejectIllegalTransition:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func parseDateParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, reject(RejectValidation, "dates must be YYYY-MM-DD")
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
