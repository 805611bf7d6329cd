package livetail

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loghive/backend/internal/auth"
	"github.com/loghive/backend/internal/database"
)

// SSEHandler serves the organization-scoped event stream for SIEM
// dashboards: GET /api/v1/siem/events?organizationId=…[&projectId=…]&token=….
// EventSource cannot set headers, so the session token rides in the query.
type SSEHandler struct {
	hub *Hub
	svc *auth.Service
	db  *database.DB
}

func NewSSEHandler(hub *Hub, svc *auth.Service, db *database.DB) *SSEHandler {
	return &SSEHandler{hub: hub, svc: svc, db: db}
}

const sseHeartbeat = 25 * time.Second

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.ValidateSession(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	orgID := r.URL.Query().Get("organizationId")
	if orgID == "" {
		http.Error(w, "organizationId is required", http.StatusBadRequest)
		return
	}
	member, err := h.db.Orgs.IsMember(r.Context(), user.ID, orgID)
	if err != nil || !member {
		http.Error(w, "organization not accessible", http.StatusForbidden)
		return
	}

	projectIDs, err := h.resolveProjects(r, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if len(projectIDs) == 0 {
		http.Error(w, "organization has no projects", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := Filter{
		Services: splitParam(r.URL.Query().Get("service")),
		Levels:   splitParam(r.URL.Query().Get("level")),
	}
	sub, err := h.hub.Subscribe(r.Context(), projectIDs, filter)
	if err != nil {
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected projects=%d\n\n", len(projectIDs))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case frame := <-sub.C:
			if n := sub.TakeDropped(); n > 0 {
				writeSSE(w, Frame{Type: "dropped", Count: n})
			}
			writeSSE(w, frame)
			flusher.Flush()
		}
	}
}

// resolveProjects narrows the stream to one project when requested,
// verifying it belongs to the organization; otherwise the whole org scope.
func (h *SSEHandler) resolveProjects(r *http.Request, orgID string) ([]string, error) {
	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		p, err := h.db.Projects.ByID(r.Context(), projectID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && p.OrganizationID != orgID) {
			return nil, errors.New("project not in organization")
		}
		if err != nil {
			return nil, err
		}
		return []string{projectID}, nil
	}
	return h.db.Projects.IDsByOrg(r.Context(), orgID)
}

func writeSSE(w http.ResponseWriter, frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}
