package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

func sampleAlert() Alert {
	return Alert{
		Recipient: Recipient{Email: "buyer@example.com", ChatID: 42},
		ItemID:    7,
		ItemName:  "Widget <Pro>",
		OldPrice:  10.00,
		NewPrice:  7.50,
		ItemURL:   "https://shop.example/widget",
	}
}

func TestRender(t *testing.T) {
	m, err := Render(sampleAlert())
	require.NoError(t, err)

	assert.Equal(t, "Price Drop Alert: Widget <Pro>", m.Subject)
	assert.Contains(t, m.HTML, "<s>$10.00</s>")
	assert.Contains(t, m.HTML, "$7.50")
	assert.Contains(t, m.HTML, "You Save: $2.50")
	assert.Contains(t, m.HTML, `href="https://shop.example/widget"`)
	assert.Contains(t, m.HTML, "Widget &lt;Pro&gt;")
	assert.Contains(t, m.Text, "Widget <Pro>")
	assert.Contains(t, m.Text, "View Product: https://shop.example/widget")
	assert.Contains(t, m.Chat, "<b>$7.50</b>")
}

type stubChannel struct {
	err   error
	panic bool
	got   []Alert
}

func (s *stubChannel) Name() string { return "stub" }

func (s *stubChannel) Deliver(_ context.Context, a Alert, _ Message) error {
	if s.panic {
		panic("boom")
	}
	s.got = append(s.got, a)
	return s.err
}

func TestDispatcherSend(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	ok := NewDispatcher(&stubChannel{}, logx.Nop(), bus).Send(context.Background(), sampleAlert())
	assert.True(t, ok)
	ev := <-ch
	assert.Equal(t, eventbus.AlertSent, ev.Type)

	ok = NewDispatcher(&stubChannel{err: errors.New("down")}, logx.Nop(), bus).Send(context.Background(), sampleAlert())
	assert.False(t, ok)
	ev = <-ch
	assert.Equal(t, eventbus.AlertFailed, ev.Type)
	assert.Equal(t, "down", ev.Data.(Event).Error)
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := NewDispatcher(&stubChannel{panic: true}, logx.Nop(), nil)
	assert.NotPanics(t, func() {
		assert.False(t, d.Send(context.Background(), sampleAlert()))
	})
}

func TestLogChannelAlwaysSucceeds(t *testing.T) {
	d := NewDispatcher(nil, logx.Nop(), nil)
	assert.Equal(t, "log", d.Channel())
	assert.True(t, d.Send(context.Background(), sampleAlert()))
}

func TestSendGrid(t *testing.T) {
	var (
		mu     sync.Mutex
		status = http.StatusAccepted
		body   map[string]any
		auth   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sg := &SendGrid{APIKey: "SG.key", From: "alerts@example.com", Host: srv.URL}
	d := NewDispatcher(sg, logx.Nop(), nil)

	assert.True(t, d.Send(context.Background(), sampleAlert()))
	mu.Lock()
	assert.Equal(t, "Bearer SG.key", auth)
	assert.Equal(t, "Price Drop Alert: Widget <Pro>", body["subject"])
	status = http.StatusBadRequest
	mu.Unlock()

	assert.False(t, d.Send(context.Background(), sampleAlert()))

	a := sampleAlert()
	a.Recipient.Email = ""
	assert.ErrorIs(t, sg.Deliver(context.Background(), a, Message{}), ErrNoEmail)
}

func TestSMTPUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s := &SMTP{Host: "127.0.0.1", Port: port, From: "alerts@example.com", Timeout: 2 * time.Second}
	d := NewDispatcher(s, logx.Nop(), nil)
	assert.False(t, d.Send(context.Background(), sampleAlert()))
}

func TestTelegram(t *testing.T) {
	var (
		mu   sync.Mutex
		text string
		chat string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		text, _ = req["text"].(string)
		chat, _ = req["chat_id"].(string)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram("123:abc", srv.URL)
	require.NoError(t, err)
	d := NewDispatcher(tg, logx.Nop(), nil)
	assert.True(t, d.Send(context.Background(), sampleAlert()))

	mu.Lock()
	assert.Equal(t, "42", chat)
	assert.Contains(t, text, "Widget &lt;Pro&gt;")
	mu.Unlock()

	a := sampleAlert()
	a.Recipient.ChatID = 0
	assert.False(t, d.Send(context.Background(), a))
}

func TestSelectChannel(t *testing.T) {
	tg, err := NewTelegram("123:abc", "http://127.0.0.1:1")
	require.NoError(t, err)

	cases := []struct {
		name string
		opt  Options
		want string
	}{
		{"api key wins", Options{APIKey: "k", SMTPHost: "smtp.example", Telegram: tg}, "sendgrid"},
		{"smtp", Options{SMTPHost: "smtp.example", Telegram: tg}, "smtp"},
		{"telegram", Options{Telegram: tg}, "telegram"},
		{"fallback", Options{}, "log"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SelectChannel(tc.opt, logx.Nop()).Name())
		})
	}
}

func TestTelegramSelectionLogsWithoutChat(t *testing.T) {
	// Unreachable API: only the log path can succeed.
	tg, err := NewTelegram("123:abc", "http://127.0.0.1:1")
	require.NoError(t, err)
	d := NewDispatcher(SelectChannel(Options{Telegram: tg}, logx.Nop()), logx.Nop(), nil)

	a := sampleAlert()
	a.Recipient.ChatID = 0
	assert.True(t, d.Send(context.Background(), a))

	a.Recipient.ChatID = 42
	assert.False(t, d.Send(context.Background(), a))
}
