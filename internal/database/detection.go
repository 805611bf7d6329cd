package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ============================================================================
// SIGMA RULES, ALERT RULES, ALERT HISTORY, NOTIFICATIONS
// ============================================================================

type SigmaRuleStore struct {
	db *sql.DB
}

const sigmaCols = `id, organization_id, project_id, sigma_id, title, level, status, logsource,
	detection, enabled, email_recipients, webhook_url, alert_rule_id, conversion_meta, created_at`

func scanSigmaRule(row interface{ Scan(...interface{}) error }) (*SigmaRule, error) {
	var r SigmaRule
	var logsource, detection, meta []byte
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.ProjectID, &r.SigmaID, &r.Title, &r.Level, &r.Status,
		&logsource, &detection, &r.Enabled, pq.Array(&r.EmailRecipients), &r.WebhookURL,
		&r.AlertRuleID, &meta, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(logsource, &r.Logsource); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(detection, &r.Detection); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &r.ConversionMeta); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SigmaRuleStore) Create(ctx context.Context, r *SigmaRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	logsource, err := json.Marshal(orEmptyMap(r.Logsource))
	if err != nil {
		return err
	}
	detection, err := json.Marshal(orEmptyMap(r.Detection))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(orEmptyMap(r.ConversionMeta))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sigma_rules (`+sigmaCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.OrganizationID, r.ProjectID, r.SigmaID, r.Title, r.Level, r.Status, logsource,
		detection, r.Enabled, pq.Array(r.EmailRecipients), r.WebhookURL, r.AlertRuleID, meta, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create sigma rule: %w", err)
	}
	return nil
}

// ListEnabled returns the rules the detection worker evaluates: enabled,
// scoped to the organization, and either global or bound to the project.
func (s *SigmaRuleStore) ListEnabled(ctx context.Context, orgID string, projectID *string) ([]*SigmaRule, error) {
	q := `SELECT ` + sigmaCols + ` FROM sigma_rules WHERE organization_id = $1 AND enabled`
	args := []interface{}{orgID}
	if projectID != nil {
		q += ` AND (project_id IS NULL OR project_id = $2)`
		args = append(args, *projectID)
	} else {
		q += ` AND project_id IS NULL`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SigmaRule
	for rows.Next() {
		r, err := scanSigmaRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListByOrg returns every rule of the organization for the management UI.
func (s *SigmaRuleStore) ListByOrg(ctx context.Context, orgID string) ([]*SigmaRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sigmaCols+` FROM sigma_rules WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SigmaRule
	for rows.Next() {
		r, err := scanSigmaRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetEnabled toggles a rule without rewriting the detection tree.
func (s *SigmaRuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sigma_rules SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SigmaRuleStore) ByID(ctx context.Context, id string) (*SigmaRule, error) {
	return scanSigmaRule(s.db.QueryRowContext(ctx,
		`SELECT `+sigmaCols+` FROM sigma_rules WHERE id = $1`, id))
}

func (s *SigmaRuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sigma_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AlertRuleStore struct {
	db *sql.DB
}

const alertRuleCols = `id, organization_id, project_id, name, service, levels, time_window_min,
	threshold, enabled, email_recipients, webhook_url, created_at`

func scanAlertRule(row interface{ Scan(...interface{}) error }) (*AlertRule, error) {
	var r AlertRule
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.ProjectID, &r.Name, &r.Service,
		pq.Array(&r.Levels), &r.TimeWindowMin, &r.Threshold, &r.Enabled,
		pq.Array(&r.EmailRecipients), &r.WebhookURL, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *AlertRuleStore) Create(ctx context.Context, r *AlertRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (`+alertRuleCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OrganizationID, r.ProjectID, r.Name, r.Service, pq.Array(r.Levels),
		r.TimeWindowMin, r.Threshold, r.Enabled, pq.Array(r.EmailRecipients), r.WebhookURL, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create alert rule: %w", err)
	}
	return nil
}

func (s *AlertRuleStore) ByID(ctx context.Context, id string) (*AlertRule, error) {
	return scanAlertRule(s.db.QueryRowContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules WHERE id = $1`, id))
}

func (s *AlertRuleStore) ListEnabled(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules WHERE enabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AlertRuleStore) ListByOrg(ctx context.Context, orgID string) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleCols+` FROM alert_rules WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AlertRuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasRecentHistory reports whether the rule already fired within the window;
// the evaluator uses it for delivery idempotence.
func (s *AlertRuleStore) HasRecentHistory(ctx context.Context, ruleID string, window time.Duration) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM alert_history WHERE rule_id = $1 AND triggered_at >= $2`,
		ruleID, time.Now().UTC().Add(-window)).Scan(&n)
	return n > 0, err
}

func (s *AlertRuleStore) InsertHistory(ctx context.Context, h *AlertHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.TriggeredAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history (id, rule_id, log_count, triggered_at) VALUES ($1, $2, $3, $4)`,
		h.ID, h.RuleID, h.LogCount, h.TriggeredAt)
	return err
}

// MarkNotified stamps the history row; a non-empty errMsg records a partial
// delivery failure (for example a webhook non-2xx) without failing the job.
func (s *AlertRuleStore) MarkNotified(ctx context.Context, historyID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_history SET notified_at = now(), error = $2 WHERE id = $1`,
		historyID, errMsg)
	return err
}

type NotificationStore struct {
	db *sql.DB
}

func (s *NotificationStore) Create(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, body, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.Title, n.Body, n.Read, n.CreatedAt)
	return err
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, body, read, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) MarkRead(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
