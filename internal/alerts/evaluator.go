package alerts

import (
	"context"
	"log"
	"time"

	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/queue"
)

// Evaluator periodically checks every enabled threshold rule against the log
// volume of its window. A rule that already fired within its own window is
// skipped, so one burst produces one alert.
type Evaluator struct {
	db       *database.DB
	broker   *queue.Broker
	interval time.Duration
	logger   *log.Logger
}

func NewEvaluator(db *database.DB, broker *queue.Broker, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Evaluator{
		db:       db,
		broker:   broker,
		interval: interval,
		logger:   log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
	}
}

// Run blocks until ctx is cancelled, evaluating once per interval. The first
// pass runs immediately.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.evaluateAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		}
	}
}

func (e *Evaluator) evaluateAll(ctx context.Context) {
	rules, err := e.db.AlertRules.ListEnabled(ctx)
	if err != nil {
		e.logger.Printf("listing rules failed: %v", err)
		return
	}
	for _, rule := range rules {
		if err := e.evaluate(ctx, rule); err != nil {
			// One broken rule must not starve the rest.
			e.logger.Printf("rule %s (%s) evaluation failed: %v", rule.ID, rule.Name, err)
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, rule *database.AlertRule) error {
	window := time.Duration(rule.TimeWindowMin) * time.Minute
	if window <= 0 {
		window = 5 * time.Minute
	}

	fired, err := e.db.AlertRules.HasRecentHistory(ctx, rule.ID, window)
	if err != nil {
		return err
	}
	if fired {
		return nil
	}

	var orgProjects []string
	if rule.ProjectID == nil {
		if orgProjects, err = e.db.Projects.IDsByOrg(ctx, rule.OrganizationID); err != nil {
			return err
		}
		if len(orgProjects) == 0 {
			return nil
		}
	}
	count, err := e.db.Logs.CountWindow(ctx, rule.ProjectID, orgProjects,
		rule.Service, rule.Levels, time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	if count < rule.Threshold {
		return nil
	}

	history := &database.AlertHistory{RuleID: rule.ID, LogCount: count}
	if err := e.db.AlertRules.InsertHistory(ctx, history); err != nil {
		return err
	}
	e.logger.Printf("rule %s fired (count=%d threshold=%d)", rule.Name, count, rule.Threshold)

	job := NotificationJob{
		Kind:            "alert",
		HistoryID:       history.ID,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		OrganizationID:  rule.OrganizationID,
		ProjectID:       rule.ProjectID,
		LogCount:        count,
		Threshold:       rule.Threshold,
		TimeWindowMin:   rule.TimeWindowMin,
		TriggeredAt:     history.TriggeredAt,
		EmailRecipients: rule.EmailRecipients,
		WebhookURL:      rule.WebhookURL,
	}
	return e.broker.Enqueue(ctx, queue.Notifications, job)
}
