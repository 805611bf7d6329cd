// Package alerts holds the threshold alert evaluator and the shared
// notification dispatcher. Both threshold alerts and Sigma detections fan out
// through the same notification queue and the same three channels: in-app
// rows, SMTP email, and a JSON webhook.
package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/queue"
)

// NotificationJob is the payload on the notifications queue. Kind selects the
// message wording; the delivery mechanics are identical.
type NotificationJob struct {
	Kind            string    `json:"kind"` // "alert" or "sigma"
	HistoryID       string    `json:"historyId,omitempty"`
	RuleID          string    `json:"ruleId"`
	RuleName        string    `json:"ruleName"`
	RuleLevel       string    `json:"ruleLevel,omitempty"`
	OrganizationID  string    `json:"organizationId"`
	ProjectID       *string   `json:"projectId,omitempty"`
	LogCount        int       `json:"logCount"`
	Threshold       int       `json:"threshold,omitempty"`
	TimeWindowMin   int       `json:"timeWindow,omitempty"`
	TriggeredAt     time.Time `json:"triggeredAt"`
	EmailRecipients []string  `json:"emailRecipients,omitempty"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
}

// Notifier delivers one notification job across all configured channels.
// Channel failures are independent: a dead webhook must not suppress the
// in-app rows or the email.
type Notifier struct {
	db     *database.DB
	smtp   config.SMTPConfig
	client *http.Client
	logger *log.Logger
}

func NewNotifier(db *database.DB, smtpCfg config.SMTPConfig) *Notifier {
	return &Notifier{
		db:     db,
		smtp:   smtpCfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// Handle is the queue handler for queue.Notifications.
func (n *Notifier) Handle(ctx context.Context, job *queue.Job) error {
	var payload NotificationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode notification job: %w", err)
	}

	title, body := n.compose(&payload)

	var failures []string
	if err := n.notifyInApp(ctx, &payload, title, body); err != nil {
		failures = append(failures, fmt.Sprintf("in-app: %v", err))
	}
	if len(payload.EmailRecipients) > 0 {
		if err := n.sendEmail(payload.EmailRecipients, title, body); err != nil {
			failures = append(failures, fmt.Sprintf("email: %v", err))
		}
	}
	if payload.WebhookURL != "" {
		if err := n.postWebhook(ctx, &payload); err != nil {
			failures = append(failures, err.Error())
		}
	}

	errMsg := strings.Join(failures, "; ")
	if payload.HistoryID != "" {
		if err := n.db.AlertRules.MarkNotified(ctx, payload.HistoryID, errMsg); err != nil {
			return fmt.Errorf("mark history %s notified: %w", payload.HistoryID, err)
		}
	}
	if errMsg != "" {
		n.logger.Printf("partial delivery for rule %s: %s", payload.RuleID, errMsg)
	}
	return nil
}

func (n *Notifier) compose(p *NotificationJob) (title, body string) {
	switch p.Kind {
	case "sigma":
		title = fmt.Sprintf("Security detection: %s", p.RuleName)
		body = fmt.Sprintf("%d log(s) matched Sigma rule %q (level %s) at %s.",
			p.LogCount, p.RuleName, p.RuleLevel, p.TriggeredAt.Format(time.RFC3339))
	default:
		title = fmt.Sprintf("Alert triggered: %s", p.RuleName)
		body = fmt.Sprintf("%d log(s) in the last %d minute(s) crossed the threshold of %d.",
			p.LogCount, p.TimeWindowMin, p.Threshold)
	}
	return title, body
}

// notifyInApp creates one notification row per organization member.
func (n *Notifier) notifyInApp(ctx context.Context, p *NotificationJob, title, body string) error {
	memberIDs, err := n.db.Orgs.MemberIDs(ctx, p.OrganizationID)
	if err != nil {
		return err
	}
	for _, userID := range memberIDs {
		note := &database.Notification{UserID: userID, Title: title, Body: body}
		if err := n.db.Notifications.Create(ctx, note); err != nil {
			return err
		}
	}
	return nil
}

// sendEmail delivers over implicit TLS when Secure is set (port 465 style),
// otherwise over a plain connection that may upgrade via STARTTLS.
func (n *Notifier) sendEmail(recipients []string, subject, body string) error {
	if n.smtp.Host == "" {
		return fmt.Errorf("smtp is not configured")
	}
	addr := fmt.Sprintf("%s:%d", n.smtp.Host, n.smtp.Port)
	msg := composeEmail(n.smtp.From, recipients, subject, body)

	var auth smtp.Auth
	if n.smtp.User != "" {
		auth = smtp.PlainAuth("", n.smtp.User, n.smtp.Password, n.smtp.Host)
	}
	if n.smtp.Secure {
		return n.sendImplicitTLS(addr, auth, recipients, msg)
	}
	return smtp.SendMail(addr, auth, n.smtp.From, recipients, msg)
}

func composeEmail(from string, recipients []string, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n"))
}

// sendImplicitTLS opens the TLS session before any SMTP traffic, which is
// what servers listening on 465 expect.
func (n *Notifier) sendImplicitTLS(addr string, auth smtp.Auth, recipients []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.smtp.Host})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, n.smtp.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(n.smtp.From); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// postWebhook delivers the machine-readable payload. A non-2xx status is
// recorded as "Webhook failed: <status text>".
func (n *Notifier) postWebhook(ctx context.Context, p *NotificationJob) error {
	payload := map[string]interface{}{
		"alert_name":  p.RuleName,
		"log_count":   p.LogCount,
		"threshold":   p.Threshold,
		"time_window": p.TimeWindowMin,
		"timestamp":   p.TriggeredAt.UTC().Format(time.RFC3339),
	}
	if p.ProjectID != nil {
		payload["project_id"] = *p.ProjectID
	}
	if p.Kind == "sigma" {
		payload["rule_level"] = p.RuleLevel
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("Webhook failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("Webhook failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Webhook failed: %s", http.StatusText(resp.StatusCode))
	}
	return nil
}
