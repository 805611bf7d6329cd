package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/database"
)

// NotificationHandlers serves the in-app notification feed.
type NotificationHandlers struct {
	db *database.DB
}

func NewNotificationHandlers(db *database.DB) *NotificationHandlers {
	return &NotificationHandlers{db: db}
}

func (h *NotificationHandlers) Register(r *mux.Router) {
	r.HandleFunc("/notifications", h.List).Methods("GET")
	r.HandleFunc("/notifications/{id}/read", h.MarkRead).Methods("POST")
}

func (h *NotificationHandlers) List(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	notes, err := h.db.Notifications.ListByUser(r.Context(), user.ID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing notifications failed")
		return
	}
	if notes == nil {
		notes = []*database.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *NotificationHandlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	err := h.db.Notifications.MarkRead(r.Context(), mux.Vars(r)["id"], user.ID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "updating notification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}
