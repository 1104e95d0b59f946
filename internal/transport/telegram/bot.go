// Package telegram serves the chat commands (/track, /check, /untrack,
// /history) over a Telegram long-poll bot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "pricewatch/pkg/logx"
)

type Config struct {
	Token  string
	APIURL string // empty means the public Bot API

	PollTimeout time.Duration
	// AllowedChats limits who may use the bot. Empty allows everyone.
	AllowedChats []int64
}

// Bot receives text messages and answers them through Commands.
type Bot struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	cmds    *Commands
	allowed map[int64]bool

	ctx     atomic.Pointer[context.Context]
	ignored atomic.Uint64
}

func New(cfg Config, cmds *Commands, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	bot := &Bot{cfg: cfg, log: log, bot: b, cmds: cmds}
	if len(cfg.AllowedChats) > 0 {
		bot.allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			bot.allowed[id] = true
		}
	}
	b.Handle(tele.OnText, bot.onText)
	return bot, nil
}

func (b *Bot) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	var from int64
	if m.Sender != nil {
		from = m.Sender.ID
	}
	req, ok := Parse(m.Chat.ID, from, m.Text)
	if !ok {
		return nil
	}
	if b.allowed != nil && !b.allowed[m.Chat.ID] {
		b.ignored.Add(1)
		b.log.Debug("command from unlisted chat ignored", logx.Int64("chat_id", m.Chat.ID), logx.String("cmd", req.Command))
		return nil
	}

	ctx := context.Background()
	if p := b.ctx.Load(); p != nil {
		ctx = *p
	}
	reply := b.cmds.Handle(ctx, req)
	_, err := b.bot.Send(m.Chat, reply, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              m.ThreadID,
	})
	return err
}

// Run polls until ctx is done. Commands in flight see ctx cancellation.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx.Store(&ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.bot.Stop()
		case <-done:
		}
	}()

	b.log.Info("polling started")
	b.bot.Start()
	close(done)
	b.log.Info("polling stopped", logx.Int64("ignored", int64(b.ignored.Load())))
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("poller exited")
}
