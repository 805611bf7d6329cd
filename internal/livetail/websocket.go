package livetail

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loghive/backend/internal/auth"
	"github.com/loghive/backend/internal/database"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSHandler serves the single-project WebSocket tail used by the search UI.
type WSHandler struct {
	hub      *Hub
	svc      *auth.Service
	db       *database.DB
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, svc *auth.Service, db *database.DB) *WSHandler {
	return &WSHandler{
		hub: hub,
		svc: svc,
		db:  db,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /api/v1/logs/stream?projectId=…. Authentication and
// membership are checked before the upgrade so failures are plain HTTP
// status codes.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}
	if ok, err := h.isMember(r, user, projectID); err != nil || !ok {
		http.Error(w, "project not accessible", http.StatusForbidden)
		return
	}

	filter := Filter{
		Services: splitParam(r.URL.Query().Get("service")),
		Levels:   splitParam(r.URL.Query().Get("level")),
	}
	sub, err := h.hub.Subscribe(r.Context(), []string{projectID}, filter)
	if err != nil {
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		return
	}

	done := make(chan struct{})
	// Reader exists only to observe the close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go h.writeLoop(conn, sub, done)
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-sub.C:
			if n := sub.TakeDropped(); n > 0 {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(Frame{Type: "dropped", Count: n}); err != nil {
					return
				}
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) authenticate(r *http.Request) (*database.User, error) {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return user, nil
	}
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	} else {
		token = r.URL.Query().Get("token")
	}
	return h.svc.ValidateSession(r.Context(), token)
}

func (h *WSHandler) isMember(r *http.Request, user *database.User, projectID string) (bool, error) {
	p, err := h.db.Projects.ByID(r.Context(), projectID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return h.db.Orgs.IsMember(r.Context(), user.ID, p.OrganizationID)
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
