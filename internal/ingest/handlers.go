// Package ingest terminates the OTLP/HTTP endpoints: API-key tenancy,
// decode, transform, batch commit, then live-tail publish and detection
// enqueue after the commit succeeds.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/otlp"
	"github.com/loghive/backend/internal/queue"
)

// DetectionJob is the payload handed to the detection queue per committed
// log batch.
type DetectionJob struct {
	ProjectID      string          `json:"projectId"`
	OrganizationID string          `json:"organizationId"`
	Logs           []*database.Log `json:"logs"`
}

type Handler struct {
	db     *database.DB
	cache  *cache.Cache
	broker *queue.Broker
	cfg    config.IngestConfig
	logger *log.Logger
}

func NewHandler(db *database.DB, c *cache.Cache, broker *queue.Broker, cfg config.IngestConfig) *Handler {
	return &Handler{
		db:     db,
		cache:  c,
		broker: broker,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Register mounts the OTLP endpoints on the /v1/otlp subrouter, which is
// already wrapped with APIKeyMiddleware.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/logs", h.IngestLogs).Methods(http.MethodPost)
	r.HandleFunc("/logs", h.health).Methods(http.MethodGet)
	r.HandleFunc("/traces", h.IngestTraces).Methods(http.MethodPost)
	r.HandleFunc("/traces", h.health).Methods(http.MethodGet)
}

// health answers GETs so agents can verify their key before shipping data.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
				"error": "request body too large",
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read request body",
		})
		return nil, false
	}
	return body, true
}

// IngestLogs handles POST /v1/otlp/logs.
func (h *Handler) IngestLogs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kc, ok := KeyFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthenticated"})
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		requestsTotal.WithLabelValues("logs", "rejected").Inc()
		return
	}

	tree, err := otlp.Decode(body, r.Header.Get("Content-Type"), otlp.SignalLogs, h.cfg.MaxDecompressedBytes)
	if err != nil {
		requestsTotal.WithLabelValues("logs", "rejected").Inc()
		status := http.StatusBadRequest
		if errors.Is(err, otlp.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}

	logs := otlp.TransformLogs(tree, kc.ProjectID)
	received := countLogRecords(tree)

	if err := h.db.Logs.InsertBatch(r.Context(), logs); err != nil {
		requestsTotal.WithLabelValues("logs", "error").Inc()
		h.logger.Printf("log batch insert failed (project %s): %v", kc.ProjectID, err)
		writeJSON(w, http.StatusOK, rejectAll("rejectedLogRecords", received, "storage failure"))
		return
	}

	h.afterLogCommit(r.Context(), kc, logs)

	requestsTotal.WithLabelValues("logs", "ok").Inc()
	recordsTotal.WithLabelValues("logs").Add(float64(len(logs)))
	batchDuration.WithLabelValues("logs").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, partialSuccess("rejectedLogRecords", received, len(logs)))
}

// afterLogCommit runs the post-commit side effects: one live-tail publish
// per row and one detection job per batch. Neither failure affects the
// client response; the rows are already durable.
func (h *Handler) afterLogCommit(ctx context.Context, kc *database.KeyContext, logs []*database.Log) {
	if len(logs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	channel := cache.ChanLiveTail + kc.ProjectID
	for _, l := range logs {
		raw, err := json.Marshal(l)
		if err != nil {
			continue
		}
		if err := h.cache.Publish(ctx, channel, raw); err != nil {
			h.logger.Printf("live-tail publish failed (project %s): %v", kc.ProjectID, err)
			break
		}
	}

	job := DetectionJob{
		ProjectID:      kc.ProjectID,
		OrganizationID: kc.OrganizationID,
		Logs:           logs,
	}
	if err := h.broker.Enqueue(ctx, queue.Detection, job); err != nil {
		h.logger.Printf("detection enqueue failed (project %s): %v", kc.ProjectID, err)
	}
}

// IngestTraces handles POST /v1/otlp/traces.
func (h *Handler) IngestTraces(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kc, ok := KeyFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthenticated"})
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		requestsTotal.WithLabelValues("traces", "rejected").Inc()
		return
	}

	tree, err := otlp.Decode(body, r.Header.Get("Content-Type"), otlp.SignalTraces, h.cfg.MaxDecompressedBytes)
	if err != nil {
		requestsTotal.WithLabelValues("traces", "rejected").Inc()
		status := http.StatusBadRequest
		if errors.Is(err, otlp.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}

	spans, traces := otlp.TransformSpans(tree, kc.ProjectID, kc.OrganizationID)
	received := countSpans(tree)

	if err := h.db.Traces.InsertBatch(r.Context(), spans, traces); err != nil {
		requestsTotal.WithLabelValues("traces", "error").Inc()
		h.logger.Printf("span batch insert failed (project %s): %v", kc.ProjectID, err)
		writeJSON(w, http.StatusOK, rejectAll("rejectedSpans", received, "storage failure"))
		return
	}

	requestsTotal.WithLabelValues("traces", "ok").Inc()
	recordsTotal.WithLabelValues("traces").Add(float64(len(spans)))
	batchDuration.WithLabelValues("traces").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, partialSuccess("rejectedSpans", received, len(spans)))
}

// partialSuccess builds the OTLP response body. The partialSuccess block is
// always present; the rejected count is zero on full success and errorMessage
// only appears when records were dropped during transformation.
func partialSuccess(field string, received, stored int) map[string]interface{} {
	rejected := received - stored
	if rejected < 0 {
		rejected = 0
	}
	ps := map[string]interface{}{field: rejected}
	if rejected > 0 {
		rejectedTotal.WithLabelValues(signalForField(field)).Add(float64(rejected))
		ps["errorMessage"] = "some records could not be transformed"
	}
	return map[string]interface{}{"partialSuccess": ps}
}

// rejectAll reports every record of a batch as rejected. Used when the
// storage commit fails after a successful decode.
func rejectAll(field string, received int, msg string) map[string]interface{} {
	if received > 0 {
		rejectedTotal.WithLabelValues(signalForField(field)).Add(float64(received))
	}
	return map[string]interface{}{
		"partialSuccess": map[string]interface{}{
			field:          received,
			"errorMessage": msg,
		},
	}
}

func signalForField(field string) string {
	if field == "rejectedSpans" {
		return "traces"
	}
	return "logs"
}

func countLogRecords(tree map[string]interface{}) int {
	n := 0
	for _, rl := range toSlice(tree["resourceLogs"]) {
		for _, sl := range toSlice(toMap(rl)["scopeLogs"]) {
			n += len(toSlice(toMap(sl)["logRecords"]))
		}
	}
	return n
}

func countSpans(tree map[string]interface{}) int {
	n := 0
	for _, rs := range toSlice(tree["resourceSpans"]) {
		for _, ss := range toSlice(toMap(rs)["scopeSpans"]) {
			n += len(toSlice(toMap(ss)["spans"]))
		}
	}
	return n
}

func toSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func toMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
