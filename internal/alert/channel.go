package alert

import (
	"context"
	"strings"
	"time"

	logx "pricewatch/pkg/logx"
)

// LogChannel only logs the alert. It is used when no delivery is configured.
type LogChannel struct{ log logx.Logger }

func NewLogChannel(log logx.Logger) *LogChannel { return &LogChannel{log: log} }

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Deliver(_ context.Context, a Alert, m Message) error {
	l.log.Info("alert (no delivery configured)",
		logx.String("subject", m.Subject),
		logx.String("to", a.Recipient.Email),
		logx.Float64("old", a.OldPrice),
		logx.Float64("new", a.NewPrice),
		logx.String("url", a.ItemURL),
	)
	return nil
}

// Options selects the delivery channel.
type Options struct {
	APIKey  string
	APIHost string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	SMTPTimeout  time.Duration

	// Telegram is used when no mail transport is configured.
	Telegram *Telegram
}

// SelectChannel picks, in order: the notification API, SMTP, Telegram, log.
func SelectChannel(o Options, log logx.Logger) Channel {
	switch {
	case strings.TrimSpace(o.APIKey) != "":
		return &SendGrid{APIKey: o.APIKey, From: o.From, Host: o.APIHost}
	case strings.TrimSpace(o.SMTPHost) != "":
		return &SMTP{
			Host:     o.SMTPHost,
			Port:     o.SMTPPort,
			Username: o.SMTPUser,
			Password: o.SMTPPassword,
			From:     o.From,
			Timeout:  o.SMTPTimeout,
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if o.Telegram != nil {
		return &chatOrLog{chat: o.Telegram, log: NewLogChannel(log)}
	}
	return NewLogChannel(log)
}

// chatOrLog sends to Telegram when the recipient has a chat and only logs
// otherwise.
type chatOrLog struct {
	chat *Telegram
	log  *LogChannel
}

func (c *chatOrLog) Name() string { return c.chat.Name() }

func (c *chatOrLog) Deliver(ctx context.Context, a Alert, m Message) error {
	if a.Recipient.ChatID == 0 {
		return c.log.Deliver(ctx, a, m)
	}
	return c.chat.Deliver(ctx, a, m)
}
