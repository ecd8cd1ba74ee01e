package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelhealth/scheduler/internal/appointments"
	httpmiddleware "github.com/kestrelhealth/scheduler/internal/http/middleware"
	"github.com/kestrelhealth/scheduler/internal/voice"
	"github.com/kestrelhealth/scheduler/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	AppointmentsHandler *appointments.Handler
	VoiceHandler        *voice.Handler
	MetricsHandler      http.Handler
	AdminAuthSecret     string
	CORSAllowedOrigins  []string

	// VoiceRateLimit caps requests/sec per IP on the voice surface; zero
	// disables limiting.
	VoiceRateLimit float64
	VoiceRateBurst int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	appts := cfg.AppointmentsHandler
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", appts.Book)
		r.With(httpmiddleware.AdminJWT(cfg.AdminAuthSecret)).Get("/search", appts.Search)
		r.With(httpmiddleware.AdminJWT(cfg.AdminAuthSecret)).Get("/stats", appts.Stats)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", appts.Get)
			r.Patch("/", appts.Update)
			r.Post("/cancel", appts.Cancel)
			r.Post("/complete", appts.Complete)
			r.Post("/reschedule", appts.Reschedule)
		})
	})

	r.Get("/patients/{ref}/appointments", appts.ListByPatient)
	r.Route("/doctors/{name}", func(r chi.Router) {
		r.Get("/appointments", appts.ListByDoctor)
		r.Get("/slots", appts.Slots)
	})

	if cfg.VoiceHandler != nil {
		r.Route("/voice", func(r chi.Router) {
			if cfg.VoiceRateLimit > 0 {
				r.Use(httpmiddleware.RateLimit(cfg.VoiceRateLimit, cfg.VoiceRateBurst))
			}
			r.Post("/intents", cfg.VoiceHandler.HandleIntent)
			r.Post("/sessions/{id}/reset", cfg.VoiceHandler.ResetSession)
		})
	}

	return r
}
