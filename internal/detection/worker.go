package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/loghive/backend/internal/alerts"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/queue"
)

// Job is the payload the ingest path enqueues after committing a log batch.
// The rows ride in the job so the worker never re-reads them.
type Job struct {
	ProjectID      string          `json:"projectId"`
	OrganizationID string          `json:"organizationId"`
	Logs           []*database.Log `json:"logs"`
}

// Worker evaluates Sigma rules over ingested batches and enqueues one
// notification per (rule, batch) with at least one match.
type Worker struct {
	db     *database.DB
	broker *queue.Broker
	logger *log.Logger
}

func NewWorker(db *database.DB, broker *queue.Broker) *Worker {
	return &Worker{
		db:     db,
		broker: broker,
		logger: log.New(log.Writer(), "[DETECT] ", log.LstdFlags),
	}
}

// Handle is the queue handler for queue.Detection. A returned error requeues
// the whole batch, so rule evaluation failures propagate instead of being
// swallowed.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var batch Job
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		return fmt.Errorf("decode detection job: %w", err)
	}
	if len(batch.Logs) == 0 {
		return nil
	}

	rules, err := w.db.SigmaRules.ListEnabled(ctx, batch.OrganizationID, &batch.ProjectID)
	if err != nil {
		return fmt.Errorf("list sigma rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	events := make([]Event, len(batch.Logs))
	for i, l := range batch.Logs {
		events[i] = EventFromLog(l)
	}

	for _, rule := range rules {
		count := 0
		for _, ev := range events {
			ok, err := MatchRule(rule, ev)
			if err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
			if ok {
				count++
			}
		}
		if count == 0 {
			continue
		}
		if err := w.dispatch(ctx, rule, &batch, count); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, rule *database.SigmaRule, batch *Job, count int) error {
	if len(rule.EmailRecipients) == 0 && rule.WebhookURL == "" {
		w.logger.Printf("rule %q matched %d log(s) but has no recipients, skipping", rule.Title, count)
		return nil
	}

	w.logger.Printf("rule %q matched %d log(s) in project %s", rule.Title, count, batch.ProjectID)
	job := alerts.NotificationJob{
		Kind:            "sigma",
		RuleID:          rule.ID,
		RuleName:        rule.Title,
		RuleLevel:       rule.Level,
		OrganizationID:  batch.OrganizationID,
		ProjectID:       &batch.ProjectID,
		LogCount:        count,
		TriggeredAt:     time.Now().UTC(),
		EmailRecipients: rule.EmailRecipients,
		WebhookURL:      rule.WebhookURL,
	}
	return w.broker.Enqueue(ctx, queue.Notifications, job)
}
