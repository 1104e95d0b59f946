package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGrid delivers mail through the notification API. Only 202 counts as
// accepted.
type SendGrid struct {
	APIKey string
	From   string
	// Host overrides the API base URL.
	Host string
}

func (s *SendGrid) Name() string { return "sendgrid" }

func (s *SendGrid) Deliver(ctx context.Context, a Alert, m Message) error {
	to := strings.TrimSpace(a.Recipient.Email)
	if to == "" {
		return ErrNoEmail
	}
	host := s.Host
	if host == "" {
		host = defaultSendGridHost
	}
	msg := sgmail.NewSingleEmail(
		sgmail.NewEmail("", s.From),
		m.Subject,
		sgmail.NewEmail("", to),
		m.Text,
		m.HTML,
	)

	// The client mutates its request body on send; build one per message.
	req := sendgrid.GetRequest(s.APIKey, "/v3/mail/send", host)
	req.Method = http.MethodPost
	client := &sendgrid.Client{Request: req}
	resp, err := client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
