package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ============================================================================
// LOG STORAGE & QUERY
// ============================================================================

type LogStore struct {
	db *sql.DB
}

// LogFilter is the full search surface for the query engine. Cursor fields
// encode the (time, id) keyset position; when set they take precedence over
// Offset.
type LogFilter struct {
	ProjectIDs []string   `json:"projectIds,omitempty"`
	Services   []string   `json:"services,omitempty"`
	Levels     []string   `json:"levels,omitempty"`
	TraceID    string     `json:"traceId,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Search     string     `json:"q,omitempty"`
	CursorTime *time.Time `json:"cursorTime,omitempty"`
	CursorID   string     `json:"cursorId,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

func (f *LogFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, vals ...interface{}) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, cond)
	}

	switch len(f.ProjectIDs) {
	case 0:
	case 1:
		add(`project_id = ?`, f.ProjectIDs[0])
	default:
		add(`project_id = ANY(?)`, pq.Array(f.ProjectIDs))
	}
	switch len(f.Services) {
	case 0:
	case 1:
		add(`service = ?`, f.Services[0])
	default:
		add(`service = ANY(?)`, pq.Array(f.Services))
	}
	switch len(f.Levels) {
	case 0:
	case 1:
		add(`level = ?`, f.Levels[0])
	default:
		add(`level = ANY(?)`, pq.Array(f.Levels))
	}
	if f.TraceID != "" {
		add(`trace_id = ?`, f.TraceID)
	}
	if f.From != nil {
		add(`time >= ?`, *f.From)
	}
	if f.To != nil {
		add(`time <= ?`, *f.To)
	}
	if f.Search != "" {
		add(`to_tsvector('english', message) @@ plainto_tsquery('english', ?)`, f.Search)
	}
	if f.CursorTime != nil && f.CursorID != "" {
		// Keyset filter matching the (time DESC, id DESC) ordering.
		add(`(time < ? OR (time = ? AND id < ?))`, *f.CursorTime, *f.CursorTime, f.CursorID)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const logCols = `id, time, project_id, service, level, message, metadata, trace_id, span_id`

func scanLog(row interface{ Scan(...interface{}) error }) (*Log, error) {
	var l Log
	var meta []byte
	if err := row.Scan(&l.ID, &l.Time, &l.ProjectID, &l.Service, &l.Level, &l.Message, &meta, &l.TraceID, &l.SpanID); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &l.Metadata); err != nil {
			return nil, fmt.Errorf("log metadata: %w", err)
		}
	}
	return &l, nil
}

// InsertBatch writes all rows inside one transaction: the batch is atomic,
// no partial log sets are committed. IDs are assigned here when missing.
func (s *LogStore) InsertBatch(ctx context.Context, logs []*Log) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs (`+logCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		meta, err := json.Marshal(orEmptyMap(l.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.Time, l.ProjectID, l.Service, l.Level, l.Message, meta, l.TraceID, l.SpanID); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

// Query returns one page in (time DESC, id DESC) order. The caller passes
// limit+1 rows to detect the next page.
func (s *LogStore) Query(ctx context.Context, f *LogFilter) ([]*Log, error) {
	where, args := f.where()
	q := `SELECT ` + logCols + ` FROM logs` + where + ` ORDER BY time DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 && f.CursorTime == nil {
		args = append(args, f.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Count runs the same filtered query without ordering or paging.
func (s *LogStore) Count(ctx context.Context, f *LogFilter) (int, error) {
	counted := *f
	counted.CursorTime, counted.CursorID = nil, ""
	counted.Limit, counted.Offset = 0, 0

	where, args := counted.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM logs`+where, args...).Scan(&n)
	return n, err
}

// Context returns the rows around a point in time within one project:
// before (DESC), the row at the exact instant when present, after (ASC).
func (s *LogStore) Context(ctx context.Context, projectID string, at time.Time, before, after int) (beforeLogs, current, afterLogs []*Log, err error) {
	beforeLogs, err = s.queryList(ctx,
		`SELECT `+logCols+` FROM logs WHERE project_id = $1 AND time < $2 ORDER BY time DESC, id DESC LIMIT $3`,
		projectID, at, before)
	if err != nil {
		return nil, nil, nil, err
	}
	current, err = s.queryList(ctx,
		`SELECT `+logCols+` FROM logs WHERE project_id = $1 AND time = $2 ORDER BY id DESC LIMIT 1`,
		projectID, at)
	if err != nil {
		return nil, nil, nil, err
	}
	afterLogs, err = s.queryList(ctx,
		`SELECT `+logCols+` FROM logs WHERE project_id = $1 AND time > $2 ORDER BY time ASC, id ASC LIMIT $3`,
		projectID, at, after)
	if err != nil {
		return nil, nil, nil, err
	}
	return beforeLogs, current, afterLogs, nil
}

// ByTrace returns all logs of a trace in chronological order.
func (s *LogStore) ByTrace(ctx context.Context, projectID, traceID string) ([]*Log, error) {
	return s.queryList(ctx,
		`SELECT `+logCols+` FROM logs WHERE project_id = $1 AND trace_id = $2 ORDER BY time ASC, id ASC`,
		projectID, traceID)
}

func (s *LogStore) queryList(ctx context.Context, q string, args ...interface{}) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// HistogramBucket is one time_bucket group.
type HistogramBucket struct {
	Bucket time.Time
	Level  string
	Count  int
}

// Histogram counts logs per (bucket, level) over [from, to]. interval must
// be one of the supported bucket widths; callers validate.
func (s *LogStore) Histogram(ctx context.Context, projectIDs []string, from, to time.Time, interval string) ([]HistogramBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time_bucket($1::interval, time) AS bucket, level, count(*)
		 FROM logs
		 WHERE project_id = ANY($2) AND time >= $3 AND time <= $4
		 GROUP BY bucket, level
		 ORDER BY bucket`,
		interval, pq.Array(projectIDs), from, to)
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	defer rows.Close()

	var out []HistogramBucket
	for rows.Next() {
		var b HistogramBucket
		if err := rows.Scan(&b.Bucket, &b.Level, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NameCount is a generic (name, count) aggregation row.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (s *LogStore) TopServices(ctx context.Context, projectIDs []string, from, to time.Time, n int) ([]NameCount, error) {
	return s.topN(ctx,
		`SELECT service, count(*) FROM logs
		 WHERE project_id = ANY($1) AND time >= $2 AND time <= $3
		 GROUP BY service ORDER BY count(*) DESC LIMIT $4`,
		projectIDs, from, to, n)
}

func (s *LogStore) TopErrorMessages(ctx context.Context, projectIDs []string, from, to time.Time, n int) ([]NameCount, error) {
	return s.topN(ctx,
		`SELECT message, count(*) FROM logs
		 WHERE project_id = ANY($1) AND time >= $2 AND time <= $3 AND level IN ('error', 'critical')
		 GROUP BY message ORDER BY count(*) DESC LIMIT $4`,
		projectIDs, from, to, n)
}

func (s *LogStore) topN(ctx context.Context, q string, projectIDs []string, from, to time.Time, n int) ([]NameCount, error) {
	rows, err := s.db.QueryContext(ctx, q, pq.Array(projectIDs), from, to, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NameCount
	for rows.Next() {
		var nc NameCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, err
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}

// DistinctServices backs the filter dropdowns.
func (s *LogStore) DistinctServices(ctx context.Context, projectIDs []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT service FROM logs WHERE project_id = ANY($1) ORDER BY service`,
		pq.Array(projectIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// CountWindow backs the alert evaluator: rows in [since, now] matching the
// rule's filters.
func (s *LogStore) CountWindow(ctx context.Context, projectID *string, orgProjectIDs []string, service string, levels []string, since time.Time) (int, error) {
	f := &LogFilter{From: &since, Levels: levels}
	if service != "" {
		f.Services = []string{service}
	}
	if projectID != nil {
		f.ProjectIDs = []string{*projectID}
	} else {
		f.ProjectIDs = orgProjectIDs
	}
	return s.Count(ctx, f)
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
