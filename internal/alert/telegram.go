package alert

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends alerts as bot messages. It also serves as the chat sink for
// forwarded warning logs.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds an offline bot client; no updates are polled.
// apiURL is optional.
func NewTelegram(token, apiURL string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, a Alert, m Message) error {
	if a.Recipient.ChatID == 0 {
		return ErrNoChat
	}
	return t.send(ctx, a.Recipient.ChatID, m.Chat, tele.ModeHTML)
}

// SendLog implements logx.ChatSender.
func (t *Telegram) SendLog(ctx context.Context, chatID int64, text string) error {
	return t.send(ctx, chatID, text, tele.ModeDefault)
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string, mode tele.ParseMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             mode,
		DisableWebPagePreview: true,
	})
	return err
}
