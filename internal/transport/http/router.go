package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/domain"
)

// API serves the read-only REST surface next to the websocket endpoint.
type API struct {
	service *app.QuizService
	logger  *slog.Logger
}

func NewAPI(service *app.QuizService, logger *slog.Logger) *API {
	return &API{service: service, logger: logger}
}

// NewRouter wires health, metrics, websocket and REST routes.
func NewRouter(service *app.QuizService, logger *slog.Logger) *mux.Router {
	api := NewAPI(service, logger)
	ws := NewWSHandler(service, logger)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", ws.ServeWS)

	r.HandleFunc("/api/sessions", api.ListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", api.CreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{code}", api.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{code}/results", api.Results).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{code}/leaderboard", api.Leaderboard).Methods(http.MethodGet)
	r.Use(api.logRequests)
	return r
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.service.ListActive()})
}

// CreateSession registers a session without attaching the host; the host then
// joins over the websocket with the returned host player ID.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req app.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(domain.ReasonValidation, "invalid request body"))
		return
	}
	created, err := a.service.CreateSession(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.Session(mux.Vars(r)["code"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Summary())
}

func (a *API) Results(w http.ResponseWriter, r *http.Request) {
	records, err := a.service.Results(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records})
}

func (a *API) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.Leaderboard(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	reason := domain.Reason(err)
	status := statusFor(reason)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody(reason, err.Error()))
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func statusFor(reason string) int {
	switch reason {
	case domain.ReasonValidation:
		return http.StatusBadRequest
	case domain.ReasonNotFound, domain.ReasonUnknownPlayer:
		return http.StatusNotFound
	case domain.ReasonUnauthorized:
		return http.StatusForbidden
	case domain.ReasonCapacityExceeded, domain.ReasonAlreadyStarted,
		domain.ReasonStaleCommand, domain.ReasonStaleQuestion, domain.ReasonDuplicate:
		return http.StatusConflict
	case domain.ReasonSessionEnded:
		return http.StatusGone
	case domain.ReasonCodeExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(reason, message string) map[string]string {
	return map[string]string{"reason": reason, "message": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
