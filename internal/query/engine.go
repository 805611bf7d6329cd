// Package query serves the read side: filtered log search with keyset
// pagination, trace detail, histograms and top-N aggregations, all behind a
// short-TTL read-through cache.
package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
)

type Engine struct {
	db    *database.DB
	cache *cache.Cache
	cfg   config.QueryConfig
}

func NewEngine(db *database.DB, c *cache.Cache, cfg config.QueryConfig) *Engine {
	return &Engine{db: db, cache: c, cfg: cfg}
}

// ============================================================================
// CURSOR CODEC
// ============================================================================

// EncodeCursor packs a keyset position into an opaque token. The format is
// base64("<RFC3339Nano time>,<id>").
func EncodeCursor(t time.Time, id string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(t.UTC().Format(time.RFC3339Nano) + "," + id))
}

// DecodeCursor reverses EncodeCursor. Callers treat an error as "no cursor"
// and log it; a stale or garbled token degrades to the first page.
func DecodeCursor(token string) (time.Time, string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ",", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("cursor: malformed token")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("cursor: %w", err)
	}
	return t, parts[1], nil
}

// ============================================================================
// LOG SEARCH
// ============================================================================

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Page is one page of log search results. Limit and offset echo the
// effective pagination the query ran with.
type Page struct {
	Logs       []*database.Log `json:"logs"`
	Total      int             `json:"total"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

// Logs runs a filtered search and returns one page plus the total matching
// count. Results are cached under a hash of the filter; the cursor is part
// of the filter and therefore of the key.
func (e *Engine) Logs(ctx context.Context, f *database.LogFilter) (*Page, error) {
	f.Limit = clampLimit(f.Limit)

	key, err := cache.HashParams(f)
	if err == nil {
		var cached Page
		if e.cache.GetJSON(ctx, cache.KeyQuery+key, &cached) == nil {
			return &cached, nil
		}
	}

	// Fetch one extra row to learn whether a next page exists.
	fetch := *f
	fetch.Limit = f.Limit + 1
	logs, err := e.db.Logs.Query(ctx, &fetch)
	if err != nil {
		return nil, err
	}

	page := &Page{Logs: logs, Limit: f.Limit, Offset: f.Offset}
	if len(logs) > f.Limit {
		page.Logs = logs[:f.Limit]
		last := page.Logs[len(page.Logs)-1]
		page.NextCursor = EncodeCursor(last.Time, last.ID)
	}
	if page.Logs == nil {
		page.Logs = []*database.Log{}
	}

	total, err := e.db.Logs.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	page.Total = total

	if key != "" {
		if err := e.cache.SetJSON(ctx, cache.KeyQuery+key, page, e.cfg.CacheTTL); err != nil {
			slog.Warn("query cache write failed", "error", err)
		}
	}
	return page, nil
}

// LogContext returns the neighborhood of one log row.
type LogContext struct {
	Before  []*database.Log `json:"before"`
	Current []*database.Log `json:"current"`
	After   []*database.Log `json:"after"`
}

func (e *Engine) LogContext(ctx context.Context, projectID string, at time.Time, before, after int) (*LogContext, error) {
	if before <= 0 {
		before = 10
	}
	if after <= 0 {
		after = 10
	}
	b, cur, a, err := e.db.Logs.Context(ctx, projectID, at, before, after)
	if err != nil {
		return nil, err
	}
	return &LogContext{
		Before:  orEmptyLogs(b),
		Current: orEmptyLogs(cur),
		After:   orEmptyLogs(a),
	}, nil
}

// ============================================================================
// TRACES
// ============================================================================

// TraceDetail bundles the aggregate, its spans and its correlated logs.
type TraceDetail struct {
	Trace *database.Trace  `json:"trace"`
	Spans []*database.Span `json:"spans"`
	Logs  []*database.Log  `json:"logs"`
}

// Trace returns the full detail for one trace. Cached with the longest TTL
// since completed traces never change.
func (e *Engine) Trace(ctx context.Context, projectID, traceID string) (*TraceDetail, error) {
	key := cache.KeyTrace + projectID + ":" + traceID
	var cached TraceDetail
	if e.cache.GetJSON(ctx, key, &cached) == nil {
		return &cached, nil
	}

	trace, err := e.db.Traces.ByID(ctx, projectID, traceID)
	if err != nil {
		return nil, err
	}
	spans, err := e.db.Traces.SpansByTrace(ctx, projectID, traceID)
	if err != nil {
		return nil, err
	}
	logs, err := e.db.Logs.ByTrace(ctx, projectID, traceID)
	if err != nil {
		return nil, err
	}

	detail := &TraceDetail{Trace: trace, Spans: spans, Logs: orEmptyLogs(logs)}
	if err := e.cache.SetJSON(ctx, key, detail, e.cfg.TraceTTL); err != nil {
		slog.Warn("trace cache write failed", "error", err)
	}
	return detail, nil
}

// ============================================================================
// AGGREGATIONS
// ============================================================================

// validIntervals are the accepted histogram bucket widths.
var validIntervals = map[string]bool{
	"1 minute": true, "5 minutes": true, "15 minutes": true,
	"1 hour": true, "6 hours": true, "1 day": true,
}

func (e *Engine) Histogram(ctx context.Context, projectIDs []string, from, to time.Time, interval string) ([]database.HistogramBucket, error) {
	if !validIntervals[interval] {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	return statsCached(e, ctx, "histogram", map[string]interface{}{
		"projects": projectIDs, "from": from, "to": to, "interval": interval,
	}, func() ([]database.HistogramBucket, error) {
		return e.db.Logs.Histogram(ctx, projectIDs, from, to, interval)
	})
}

func (e *Engine) TopServices(ctx context.Context, projectIDs []string, from, to time.Time, n int) ([]database.NameCount, error) {
	if n <= 0 || n > 100 {
		n = 10
	}
	return statsCached(e, ctx, "topservices", map[string]interface{}{
		"projects": projectIDs, "from": from, "to": to, "n": n,
	}, func() ([]database.NameCount, error) {
		return e.db.Logs.TopServices(ctx, projectIDs, from, to, n)
	})
}

func (e *Engine) TopErrors(ctx context.Context, projectIDs []string, from, to time.Time, n int) ([]database.NameCount, error) {
	if n <= 0 || n > 100 {
		n = 10
	}
	return statsCached(e, ctx, "toperrors", map[string]interface{}{
		"projects": projectIDs, "from": from, "to": to, "n": n,
	}, func() ([]database.NameCount, error) {
		return e.db.Logs.TopErrorMessages(ctx, projectIDs, from, to, n)
	})
}

func (e *Engine) Services(ctx context.Context, projectIDs []string) ([]string, error) {
	out, err := statsCached(e, ctx, "services", map[string]interface{}{
		"projects": projectIDs,
	}, func() ([]string, error) {
		return e.db.Logs.DistinctServices(ctx, projectIDs)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// statsCached is the shared read-through path for the aggregation queries.
func statsCached[T any](e *Engine, ctx context.Context, name string, params map[string]interface{}, fetch func() (T, error)) (T, error) {
	var zero T
	hash, err := cache.HashParams(params)
	if err != nil {
		return fetch()
	}
	key := cache.KeyStats + name + ":" + hash

	var cached T
	if e.cache.GetJSON(ctx, key, &cached) == nil {
		return cached, nil
	}

	out, err := fetch()
	if err != nil {
		return zero, err
	}
	if err := e.cache.SetJSON(ctx, key, out, e.cfg.StatsTTL); err != nil {
		slog.Warn("stats cache write failed", "name", name, "error", err)
	}
	return out, nil
}

func orEmptyLogs(logs []*database.Log) []*database.Log {
	if logs == nil {
		return []*database.Log{}
	}
	return logs
}
