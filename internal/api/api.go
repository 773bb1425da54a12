// Package api exposes the question pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"credit-insights/internal/domain"
	"credit-insights/internal/history"
	"credit-insights/internal/middleware"
	"credit-insights/internal/pipeline"
	"credit-insights/internal/service"
)

// QuestionHandler answers questions. Satisfied by *service.QuestionService.
type QuestionHandler interface {
	HandleQuestion(ctx context.Context, question string) (*service.Answer, error)
}

// HistoryLister lists recent audit entries. Satisfied by *history.Store.
type HistoryLister interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Pinger reports data store health. Satisfied by *engine.Engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handler dependencies.
type Server struct {
	questions QuestionHandler
	hist      HistoryLister
	pinger    Pinger
	logger    *slog.Logger
}

// Options configures the router.
type Options struct {
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// NewServer creates the API server. hist and pinger may be nil; the matching
// endpoints then degrade gracefully.
func NewServer(q QuestionHandler, hist HistoryLister, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{questions: q, hist: hist, pinger: pinger, logger: logger}
}

// Router assembles the chi router with the standard middleware stack.
func (s *Server) Router(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if opts.RateLimitRPS > 0 {
			r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
				RequestsPerSecond: opts.RateLimitRPS,
				Burst:             opts.RateLimitBurst,
			}))
		}
		r.Post("/questions", s.handleQuestion)
		r.Get("/history", s.handleHistory)
	})

	return r
}

type questionRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	answer, err := s.questions.HandleQuestion(r.Context(), req.Question)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	reqID := middleware.RequestIDFromContext(r.Context())
	s.logger.Info("question answered",
		"request_id", reqID,
		"state", answer.State,
		"attempts", len(answer.Attempts))

	writeJSON(w, statusFor(answer), answer)
}

// statusFor maps a terminal pipeline state onto an HTTP status. Guardrail
// refusals are client errors: the request was understood and deliberately
// not served.
func statusFor(a *service.Answer) int {
	switch a.State {
	case pipeline.StateSucceeded:
		return http.StatusOK
	case pipeline.StateRejected, pipeline.StateExhausted:
		return http.StatusUnprocessableEntity
	case pipeline.StateAborted:
		if a.Failure != nil && a.Failure.Kind == domain.KindResourcePoolExhausted {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "history is not enabled", "")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}

	entries, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history", "")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "database": "ok"}
	status := http.StatusOK
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	} else {
		resp["database"] = "not configured"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	body := map[string]any{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}
