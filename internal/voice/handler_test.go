package voice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhealth/scheduler/pkg/logging"
)

func newVoiceRouter(t *testing.T) chi.Router {
	t.Helper()
	adapter, _, _ := newTestAdapter(t)
	h := NewHandler(adapter, NewInMemorySessionStore(), logging.Default())
	r := chi.NewRouter()
	r.Post("/voice/intents", h.HandleIntent)
	r.Post("/voice/sessions/{id}/reset", h.ResetSession)
	return r
}

func postIntent(t *testing.T, r chi.Router, body string) intentResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/voice/intents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp intentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHandleIntentMultiTurnBooking(t *testing.T) {
	r := newVoiceRouter(t)

	resp := postIntent(t, r, `{
		"intent": "book_appointment",
		"entities": {"patient_name": "John Doe", "doctor_name": "Dr. Smith"}
	}`)
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
	if resp.Outcome.Kind != OutcomeIncompleteInfo {
		t.Fatalf("outcome = %s, want %s", resp.Outcome.Kind, OutcomeIncompleteInfo)
	}

	// Same session, the rest of the answers.
	resp2 := postIntent(t, r, `{
		"session_id": "`+resp.SessionID+`",
		"intent": "book",
		"entities": {"date": "2024-01-08", "time": "09:00"}
	}`)
	if resp2.Outcome.Kind != OutcomeBooked {
		t.Fatalf("outcome = %s (%s), want %s", resp2.Outcome.Kind, resp2.Outcome.Message, OutcomeBooked)
	}
	if resp2.Outcome.Appointment == nil {
		t.Fatal("expected the booked appointment in the response")
	}
}

func TestHandleIntentBadBody(t *testing.T) {
	r := newVoiceRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/voice/intents", strings.NewReader("{oops"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestResetSessionDropsPendingState(t *testing.T) {
	r := newVoiceRouter(t)

	resp := postIntent(t, r, `{
		"intent": "book",
		"entities": {"patient_name": "John Doe", "doctor_name": "Dr. Smith"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/voice/sessions/"+resp.SessionID+"/reset", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body)
	}

	// The earlier answers are gone, so the booking starts over.
	resp2 := postIntent(t, r, `{
		"session_id": "`+resp.SessionID+`",
		"intent": "book",
		"entities": {"date": "2024-01-08", "time": "09:00"}
	}`)
	if resp2.Outcome.Kind != OutcomeIncompleteInfo {
		t.Errorf("outcome = %s, want %s after reset", resp2.Outcome.Kind, OutcomeIncompleteInfo)
	}
}
