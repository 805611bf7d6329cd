package alerts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/backend/internal/config"
)

func testNotifier() *Notifier {
	return NewNotifier(nil, config.SMTPConfig{})
}

func TestPostWebhookPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	projectID := "p1"
	job := &NotificationJob{
		Kind:          "alert",
		RuleName:      "too many errors",
		ProjectID:     &projectID,
		LogCount:      42,
		Threshold:     10,
		TimeWindowMin: 5,
		TriggeredAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		WebhookURL:    srv.URL,
	}
	require.NoError(t, testNotifier().postWebhook(context.Background(), job))

	assert.Equal(t, "too many errors", got["alert_name"])
	assert.Equal(t, float64(42), got["log_count"])
	assert.Equal(t, float64(10), got["threshold"])
	assert.Equal(t, "p1", got["project_id"])
	assert.Equal(t, "2026-08-01T12:00:00Z", got["timestamp"])
}

func TestPostWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testNotifier().postWebhook(context.Background(), &NotificationJob{WebhookURL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, "Webhook failed: Bad Gateway", err.Error())
}

func TestPostWebhookUnreachable(t *testing.T) {
	err := testNotifier().postWebhook(context.Background(),
		&NotificationJob{WebhookURL: "http://127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Webhook failed:")
}

func TestComposeWording(t *testing.T) {
	n := testNotifier()

	title, body := n.compose(&NotificationJob{
		Kind: "alert", RuleName: "err spike", LogCount: 12, Threshold: 10, TimeWindowMin: 5,
	})
	assert.Equal(t, "Alert triggered: err spike", title)
	assert.Contains(t, body, "12 log(s)")
	assert.Contains(t, body, "threshold of 10")

	title, body = n.compose(&NotificationJob{
		Kind: "sigma", RuleName: "ssh brute force", RuleLevel: "high", LogCount: 3,
		TriggeredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "Security detection: ssh brute force", title)
	assert.Contains(t, body, `"ssh brute force"`)
	assert.Contains(t, body, "level high")
}

func TestSendEmailRequiresConfig(t *testing.T) {
	err := testNotifier().sendEmail([]string{"ops@example.com"}, "s", "b")
	assert.Error(t, err)
}

// fakeSMTPServer speaks just enough plaintext SMTP for one delivery and
// sends the DATA payload on the returned channel.
func fakeSMTPServer(t *testing.T) (port int, gotData <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	data := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 fake ESMTP\r\n")

		var body strings.Builder
		inData := false
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if strings.TrimRight(line, "\r\n") == "." {
					inData = false
					data <- body.String()
					fmt.Fprintf(conn, "250 ok\r\n")
					continue
				}
				body.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimRight(line, "\r\n"))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				fmt.Fprintf(conn, "250-fake\r\n250 SIZE 1048576\r\n")
			case strings.HasPrefix(cmd, "DATA"):
				inData = true
				fmt.Fprintf(conn, "354 go ahead\r\n")
			case strings.HasPrefix(cmd, "QUIT"):
				fmt.Fprintf(conn, "221 bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 ok\r\n")
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, data
}

func TestSendEmailPlainConnection(t *testing.T) {
	port, gotData := fakeSMTPServer(t)
	n := NewNotifier(nil, config.SMTPConfig{
		Host: "127.0.0.1", Port: port, From: "alerts@example.com",
	})

	require.NoError(t, n.sendEmail([]string{"ops@example.com"}, "disk full", "90% used"))

	select {
	case msg := <-gotData:
		assert.Contains(t, msg, "Subject: disk full")
		assert.Contains(t, msg, "To: ops@example.com")
		assert.Contains(t, msg, "90% used")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message body")
	}
}

func TestSendEmailSecureUsesImplicitTLS(t *testing.T) {
	port, _ := fakeSMTPServer(t)
	n := NewNotifier(nil, config.SMTPConfig{
		Host: "127.0.0.1", Port: port, From: "alerts@example.com", Secure: true,
	})

	// The fake server speaks plaintext, so a client that opens the TLS
	// session first fails during the handshake. smtp.SendMail against the
	// same listener succeeds, which pins the mode selection to Secure.
	err := n.sendEmail([]string{"ops@example.com"}, "s", "b")
	require.Error(t, err)
}
