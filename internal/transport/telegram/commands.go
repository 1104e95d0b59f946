package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"pricewatch/internal/monitor"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

// Monitor is the part of the checker the chat commands drive.
type Monitor interface {
	CheckNow(ctx context.Context, id int64) (monitor.CheckNowResult, error)
	Track(ctx context.Context, req monitor.TrackRequest) (storage.Item, error)
	Untrack(ctx context.Context, id int64) error
}

// HistoryReader reads an item and its newest observations.
type HistoryReader interface {
	Item(ctx context.Context, id int64) (storage.Item, error)
	Observations(ctx context.Context, itemID int64, limit int) ([]storage.Observation, error)
}

// Request is one incoming command.
type Request struct {
	ChatID  int64
	FromID  int64
	Command string
	Args    []string
}

type handlerFunc func(ctx context.Context, req Request) (string, error)

type command struct {
	name  string
	usage string
	desc  string
	run   handlerFunc
}

// Commands parses chat text and runs the matching command. It has no
// dependency on the Telegram client so it can be driven directly.
type Commands struct {
	mon     Monitor
	history HistoryReader
	log     logx.Logger
	timeout time.Duration

	list  []command
	index map[string]command
}

func NewCommands(mon Monitor, history HistoryReader, timeout time.Duration, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &Commands{mon: mon, history: history, log: log, timeout: timeout}
	c.list = []command{
		{name: "track", usage: "/track <url> [target]", desc: "start monitoring a product; alerts come to this chat", run: c.track},
		{name: "check", usage: "/check <id>", desc: "fetch the current price now", run: c.check},
		{name: "history", usage: "/history <id> [n]", desc: "show the newest observations", run: c.historyCmd},
		{name: "untrack", usage: "/untrack <id>", desc: "stop monitoring an item", run: c.untrack},
		{name: "help", usage: "/help", desc: "show this list", run: c.help},
	}
	c.index = make(map[string]command, len(c.list)+1)
	for _, cmd := range c.list {
		c.index[cmd.name] = cmd
	}
	c.index["start"] = c.index["help"]
	return c
}

// Parse splits "/cmd@bot a b" into a request. ok is false for plain text.
func Parse(chatID, fromID int64, text string) (Request, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Request{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Request{}, false
	}
	return Request{ChatID: chatID, FromID: fromID, Command: strings.ToLower(name), Args: fields[1:]}, true
}

// Handle runs req and returns the reply text (Telegram HTML). Unknown
// commands get the help text; failures are logged and answered with a
// short message.
func (c *Commands) Handle(ctx context.Context, req Request) (reply string) {
	log := c.log.With(logx.String("cmd", req.Command), logx.Int64("chat_id", req.ChatID), logx.Int64("from_id", req.FromID))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			reply = "Something went wrong."
		}
	}()

	cmd, ok := c.index[req.Command]
	if !ok {
		return "Unknown command.\n\n" + c.helpText()
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := cmd.run(cctx, req)
	took := time.Since(start)
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			return "Usage: " + html.EscapeString(cmd.usage)
		}
		if msg, ok := userMessage(err); ok {
			log.Debug("command rejected", logx.Err(err))
			return msg
		}
		log.Warn("command failed", logx.Duration("dur", took), logx.Err(err))
		return "Request failed, try again later."
	}
	log.Debug("command ok", logx.Duration("dur", took))
	return out
}

type usageError struct{}

func (usageError) Error() string { return "usage" }

func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "Item not found.", true
	case errors.Is(err, monitor.ErrInvalidURL):
		return "That is not an http(s) link.", true
	case errors.Is(err, monitor.ErrAlreadyTracked):
		return "That link is already tracked.", true
	case errors.Is(err, monitor.ErrInactive):
		return "Item is not tracked.", true
	}
	return "", false
}

func (c *Commands) helpText() string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, cmd := range c.list {
		fmt.Fprintf(&b, "%s - %s\n", html.EscapeString(cmd.usage), cmd.desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) help(context.Context, Request) (string, error) { return c.helpText(), nil }

func (c *Commands) track(ctx context.Context, req Request) (string, error) {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return "", usageError{}
	}
	tr := monitor.TrackRequest{URL: req.Args[0], ChatID: req.ChatID}
	if len(req.Args) == 2 {
		v, err := parsePrice(req.Args[1])
		if err != nil {
			return "", usageError{}
		}
		tr.TargetPrice = &v
	}
	it, err := c.mon.Track(ctx, tr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Tracking <b>%s</b> as #%d\nCurrent price: %s", html.EscapeString(it.Name), it.ID, money(it.CurrentPrice)), nil
}

func (c *Commands) check(ctx context.Context, req Request) (string, error) {
	id, err := argID(req.Args, 1)
	if err != nil {
		return "", err
	}
	res, err := c.mon.CheckNow(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Item #%d: %s", id, money(res.CurrentPrice)), nil
}

func (c *Commands) untrack(ctx context.Context, req Request) (string, error) {
	id, err := argID(req.Args, 1)
	if err != nil {
		return "", err
	}
	if err := c.mon.Untrack(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Stopped tracking #%d.", id), nil
}

func (c *Commands) historyCmd(ctx context.Context, req Request) (string, error) {
	id, err := argID(req.Args, 2)
	if err != nil {
		return "", err
	}
	limit := 10
	if len(req.Args) == 2 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n <= 0 || n > 50 {
			return "", usageError{}
		}
		limit = n
	}
	it, err := c.history.Item(ctx, id)
	if err != nil {
		return "", err
	}
	obs, err := c.history.Observations(ctx, id, limit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (#%d)\n", html.EscapeString(it.Name), it.ID)
	if len(obs) == 0 {
		b.WriteString("No observations yet.")
		return b.String(), nil
	}
	for _, o := range obs {
		p := o.Price
		fmt.Fprintf(&b, "%s  %s\n", o.CapturedAt.UTC().Format("2006-01-02 15:04"), money(&p))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func argID(args []string, maxArgs int) (int64, error) {
	if len(args) < 1 || len(args) > maxArgs {
		return 0, usageError{}
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError{}
	}
	return id, nil
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid price")
	}
	return v, nil
}

func money(v *float64) string {
	if v == nil {
		return "no price"
	}
	return fmt.Sprintf("$%.2f", *v)
}
