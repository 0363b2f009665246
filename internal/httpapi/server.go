package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"chatrouter/internal/domain"
	"chatrouter/internal/metrics"
	"chatrouter/internal/service"

	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20 // 1MB

// Server exposes the service over HTTP with JSON bodies under /api and
// performs the external-trigger side-effect on inbound ingest.
type Server struct {
	svc     *service.Service
	trigger domain.Trigger
	logger  *slog.Logger
	router  chi.Router
}

// New builds the router. The trigger must be non-nil; pass trigger.Noop
// when no external trigger is configured.
func New(svc *service.Service, trig domain.Trigger, logger *slog.Logger) *Server {
	s := &Server{svc: svc, trigger: trig, logger: logger}

	r := chi.NewRouter()
	r.Use(allowAllOrigins)
	r.Use(s.recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.handleIngest)
		r.Post("/responses", s.handleRespond)
		r.Get("/timeline", s.handleUnifiedTimeline)
		r.Get("/timeline/{platform}/{chatID}", s.handleTimeline)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{platform}/{chatID}", s.handleGetConversation)
		r.Get("/health", s.handleHealth)
	})

	r.Get("/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the root handler carrying all HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// MountStream attaches the stream adapter's upgrade handler at /ws so a
// single listener carries both transports.
func (s *Server) MountStream(h http.Handler) {
	s.router.Get("/ws", h.ServeHTTP)
}

// allowAllOrigins permits cross-origin requests from any origin.
func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer maps panics to a generic 500 body with a server-side log.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var m domain.InboundMessage
	if !decodeBody(w, r, &m) {
		return
	}

	entry, err := s.svc.IngestMessage(r.Context(), m)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	metrics.MessagesIngested.Inc()

	// The trigger is awaited so the agent job exists before the adapter
	// sees the 201; a failed trigger never fails the ingest.
	if entry.Direction == domain.DirectionIn && entry.Text != nil {
		if ok := s.trigger.Fire(r.Context(), entry); !ok {
			metrics.TriggerFailures.Inc()
		}
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req domain.OutboundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := s.svc.RecordResponse(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	metrics.ResponsesRecorded.Inc()
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.svc.GetTimeline(r.Context(),
		domain.Platform(chi.URLParam(r, "platform")), chi.URLParam(r, "chatID"), q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUnifiedTimeline(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.svc.GetUnifiedTimeline(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := s.svc.ListConversations(r.Context(),
		domain.Platform(r.URL.Query().Get("platform")), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.GetConversation(r.Context(),
		domain.Platform(chi.URLParam(r, "platform")), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.HealthCheck(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody reads a JSON body with a size cap. Returns false after
// writing a 400 when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// parseQuery reads the after/before/limit pagination params.
func parseQuery(r *http.Request) (domain.Query, error) {
	var q domain.Query
	values := r.URL.Query()
	for _, name := range []string{"after", "before"} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, domain.Invalid(name, "must be an integer")
		}
		if name == "after" {
			q.After = &n
		} else {
			q.Before = &n
		}
	}
	limit, err := parseLimit(r)
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid("limit", "must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
