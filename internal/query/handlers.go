package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/auth"
	"github.com/loghive/backend/internal/database"
)

// Handlers is the HTTP surface of the query engine. Every route runs behind
// the session middleware; project scope is always checked against the
// caller's organization memberships.
type Handlers struct {
	engine *Engine
	db     *database.DB
}

func NewHandlers(engine *Engine, db *database.DB) *Handlers {
	return &Handlers{engine: engine, db: db}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/logs", h.Logs).Methods(http.MethodGet)
	r.HandleFunc("/logs/context", h.LogContext).Methods(http.MethodGet)
	r.HandleFunc("/logs/histogram", h.Histogram).Methods(http.MethodGet)
	r.HandleFunc("/services", h.Services).Methods(http.MethodGet)
	r.HandleFunc("/stats/services", h.TopServices).Methods(http.MethodGet)
	r.HandleFunc("/stats/errors", h.TopErrors).Methods(http.MethodGet)
	r.HandleFunc("/traces/{traceId}", h.Trace).Methods(http.MethodGet)
}

// scope resolves the project ids the request may touch. With no projectId
// param the scope is every project the user can reach; explicit ids are
// verified against the user's memberships.
func (h *Handlers) scope(r *http.Request, user *database.User) ([]string, int, error) {
	requested := csvParam(r, "projectId")
	if len(requested) == 0 {
		ids, err := h.db.Projects.IDsByUser(r.Context(), user.ID)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return ids, 0, nil
	}

	for _, id := range requested {
		p, err := h.db.Projects.ByID(r.Context(), id)
		if errors.Is(err, database.ErrNotFound) {
			return nil, http.StatusForbidden, errors.New("project not accessible")
		}
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		member, err := h.db.Orgs.IsMember(r.Context(), user.ID, p.OrganizationID)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		if !member {
			return nil, http.StatusForbidden, errors.New("project not accessible")
		}
	}
	return requested, 0, nil
}

// Logs handles GET /logs: filters, full-text search, cursor pagination.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projects, status, err := h.scope(r, user)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	if len(projects) == 0 {
		writeBody(w, http.StatusOK, &Page{
			Logs:   []*database.Log{},
			Limit:  clampLimit(intParam(r, "limit", 0)),
			Offset: intParam(r, "offset", 0),
		})
		return
	}

	f := &database.LogFilter{
		ProjectIDs: projects,
		Services:   csvParam(r, "service"),
		Levels:     csvParam(r, "level"),
		TraceID:    r.URL.Query().Get("traceId"),
		Search:     r.URL.Query().Get("q"),
		From:       timeParam(r, "from"),
		To:         timeParam(r, "to"),
		Limit:      intParam(r, "limit", 0),
		Offset:     intParam(r, "offset", 0),
	}

	if token := r.URL.Query().Get("cursor"); token != "" {
		t, id, err := DecodeCursor(token)
		if err != nil {
			// A bad cursor degrades to the first page instead of failing.
			slog.Warn("ignoring invalid cursor", "error", err)
		} else {
			f.CursorTime, f.CursorID = &t, id
		}
	}

	page, err := h.engine.Logs(r.Context(), f)
	if err != nil {
		slog.Error("log query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeBody(w, http.StatusOK, page)
}

// LogContext handles GET /logs/context: rows around one instant in one
// project.
func (h *Handlers) LogContext(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	if status, err := h.requireProject(r, user, projectID); err != nil {
		writeError(w, status, err.Error())
		return
	}
	at := timeParam(r, "at")
	if at == nil {
		writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
		return
	}

	out, err := h.engine.LogContext(r.Context(), projectID, *at,
		intParam(r, "before", 10), intParam(r, "after", 10))
	if err != nil {
		slog.Error("log context failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeBody(w, http.StatusOK, out)
}

func (h *Handlers) Histogram(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projects, status, err := h.scope(r, user)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	from, to := windowParams(r)
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1 hour"
	}

	buckets, err := h.engine.Histogram(r.Context(), projects, from, to, interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeBody(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (h *Handlers) Services(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projects, status, err := h.scope(r, user)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	services, err := h.engine.Services(r.Context(), projects)
	if err != nil {
		slog.Error("distinct services failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeBody(w, http.StatusOK, map[string]interface{}{"services": services})
}

func (h *Handlers) TopServices(w http.ResponseWriter, r *http.Request) {
	h.topN(w, r, h.engine.TopServices)
}

func (h *Handlers) TopErrors(w http.ResponseWriter, r *http.Request) {
	h.topN(w, r, h.engine.TopErrors)
}

func (h *Handlers) topN(w http.ResponseWriter, r *http.Request,
	fetch func(ctx context.Context, projectIDs []string, from, to time.Time, n int) ([]database.NameCount, error)) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projects, status, err := h.scope(r, user)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	from, to := windowParams(r)

	out, err := fetch(r.Context(), projects, from, to, intParam(r, "limit", 10))
	if err != nil {
		slog.Error("aggregation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if out == nil {
		out = []database.NameCount{}
	}
	writeBody(w, http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handlers) Trace(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	if status, err := h.requireProject(r, user, projectID); err != nil {
		writeError(w, status, err.Error())
		return
	}

	traceID := mux.Vars(r)["traceId"]
	detail, err := h.engine.Trace(r.Context(), projectID, traceID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		slog.Error("trace query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeBody(w, http.StatusOK, detail)
}

func (h *Handlers) requireProject(r *http.Request, user *database.User, projectID string) (int, error) {
	p, err := h.db.Projects.ByID(r.Context(), projectID)
	if errors.Is(err, database.ErrNotFound) {
		return http.StatusForbidden, errors.New("project not accessible")
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}
	member, err := h.db.Orgs.IsMember(r.Context(), user.ID, p.OrganizationID)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !member {
		return http.StatusForbidden, errors.New("project not accessible")
	}
	return 0, nil
}

// ============================================================================
// PARAM HELPERS
// ============================================================================

// csvParam accepts repeated params and comma-separated values.
func csvParam(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func timeParam(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	return nil
}

// windowParams defaults to the last 24 hours.
func windowParams(r *http.Request) (time.Time, time.Time) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if t := timeParam(r, "from"); t != nil {
		from = *t
	}
	if t := timeParam(r, "to"); t != nil {
		to = *t
	}
	return from, to
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeBody(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeBody(w, status, map[string]interface{}{"error": msg})
}
