package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// SPAN & TRACE AGGREGATE STORAGE
// ============================================================================

type TraceStore struct {
	db *sql.DB
}

// InsertBatch writes span rows and upserts the batch's trace aggregates in
// one transaction. Aggregates merge with existing rows: start/end widen,
// span counts add, error is sticky, root fields overwrite when set.
func (s *TraceStore) InsertBatch(ctx context.Context, spans []*Span, traces map[string]*Trace) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spans (time, project_id, organization_id, trace_id, span_id, parent_span_id,
			service_name, operation_name, start_time, end_time, duration_ms, kind,
			status_code, status_message, attributes, events, links, resource_attributes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spans {
		attrs, err := json.Marshal(orEmptyMap(sp.Attributes))
		if err != nil {
			return err
		}
		events, err := json.Marshal(orEmptySlice(sp.Events))
		if err != nil {
			return err
		}
		links, err := json.Marshal(orEmptySlice(sp.Links))
		if err != nil {
			return err
		}
		resAttrs, err := json.Marshal(orEmptyMap(sp.ResourceAttributes))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			sp.Time, sp.ProjectID, sp.OrganizationID, sp.TraceID, sp.SpanID, sp.ParentSpanID,
			sp.ServiceName, sp.OperationName, sp.StartTime, sp.EndTime, sp.DurationMs, sp.Kind,
			sp.StatusCode, sp.StatusMessage, attrs, events, links, resAttrs); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	for _, tr := range traces {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO traces (trace_id, project_id, service_name, root_service_name, root_operation_name,
				start_time, end_time, duration_ms, span_count, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (project_id, trace_id) DO UPDATE SET
				start_time = LEAST(traces.start_time, EXCLUDED.start_time),
				end_time = GREATEST(traces.end_time, EXCLUDED.end_time),
				duration_ms = EXTRACT(EPOCH FROM GREATEST(traces.end_time, EXCLUDED.end_time) - LEAST(traces.start_time, EXCLUDED.start_time)) * 1000,
				span_count = traces.span_count + EXCLUDED.span_count,
				error = traces.error OR EXCLUDED.error,
				root_service_name = CASE WHEN EXCLUDED.root_service_name <> '' THEN EXCLUDED.root_service_name ELSE traces.root_service_name END,
				root_operation_name = CASE WHEN EXCLUDED.root_operation_name <> '' THEN EXCLUDED.root_operation_name ELSE traces.root_operation_name END`,
			tr.TraceID, tr.ProjectID, tr.ServiceName, tr.RootServiceName, tr.RootOperationName,
			tr.StartTime, tr.EndTime, tr.DurationMs, tr.SpanCount, tr.Error)
		if err != nil {
			return fmt.Errorf("upsert trace: %w", err)
		}
	}
	return tx.Commit()
}

func (s *TraceStore) ByID(ctx context.Context, projectID, traceID string) (*Trace, error) {
	var tr Trace
	err := s.db.QueryRowContext(ctx,
		`SELECT trace_id, project_id, service_name, root_service_name, root_operation_name,
			start_time, end_time, duration_ms, span_count, error
		 FROM traces WHERE project_id = $1 AND trace_id = $2`, projectID, traceID).
		Scan(&tr.TraceID, &tr.ProjectID, &tr.ServiceName, &tr.RootServiceName, &tr.RootOperationName,
			&tr.StartTime, &tr.EndTime, &tr.DurationMs, &tr.SpanCount, &tr.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// SpansByTrace returns the trace's spans ordered by start time.
func (s *TraceStore) SpansByTrace(ctx context.Context, projectID, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, project_id, organization_id, trace_id, span_id, parent_span_id,
			service_name, operation_name, start_time, end_time, duration_ms, kind,
			status_code, status_message, attributes, events, links, resource_attributes
		 FROM spans WHERE project_id = $1 AND trace_id = $2 ORDER BY start_time ASC`,
		projectID, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Span
	for rows.Next() {
		var sp Span
		var attrs, events, links, resAttrs []byte
		if err := rows.Scan(&sp.Time, &sp.ProjectID, &sp.OrganizationID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID,
			&sp.ServiceName, &sp.OperationName, &sp.StartTime, &sp.EndTime, &sp.DurationMs, &sp.Kind,
			&sp.StatusCode, &sp.StatusMessage, &attrs, &events, &links, &resAttrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &sp.Events); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(links, &sp.Links); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resAttrs, &sp.ResourceAttributes); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func orEmptySlice(v []interface{}) []interface{} {
	if v == nil {
		return []interface{}{}
	}
	return v
}
