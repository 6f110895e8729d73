package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mantora/mantora/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePending() Pending {
	return Pending{
		ID:        "p-1",
		SessionID: "s-1",
		Tool:      "query",
		RiskLevel: "CRITICAL",
		Reason:    "DDL is blocked",
		SQL:       "DROP TABLE users",
		Timeout:   5 * time.Minute,
	}
}

func TestMessage(t *testing.T) {
	msg := Message(samplePending())
	assert.Contains(t, msg, "Approval needed: query (CRITICAL risk)")
	assert.Contains(t, msg, "Reason: DDL is blocked")
	assert.Contains(t, msg, "SQL: DROP TABLE users")
	assert.Contains(t, msg, "mantora pending allow p-1")
	assert.Contains(t, msg, "mantora pending deny p-1")
	assert.Contains(t, msg, "Auto-denied in 5m0s.")

	bare := Message(Pending{ID: "p-2", Tool: "x", RiskLevel: "MEDIUM"})
	assert.NotContains(t, bare, "SQL:")
	assert.NotContains(t, bare, "Reason:")
}

func TestFromConfig(t *testing.T) {
	assert.Empty(t, FromConfig(config.NotifyConfig{}))

	ns := FromConfig(config.NotifyConfig{
		Slack:    config.SlackConfig{Enabled: true, BotToken: "x", Channel: "#c"},
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "y", ChatID: 1},
	})
	require.Len(t, ns, 2)
	assert.Equal(t, "slack", ns[0].Name())
	assert.Equal(t, "telegram", ns[1].Name())
}

func TestSlackNotify(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		form = r.PostForm
		path = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C1","ts":"1.0"}`)
	}))
	defer srv.Close()

	n := NewSlack("xoxb-test", "#approvals", srv.URL+"/")
	require.NoError(t, n.Notify(context.Background(), samplePending()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/chat.postMessage", path)
	assert.Equal(t, "#approvals", form.Get("channel"))
	assert.Contains(t, form.Get("text"), "mantora pending allow p-1")
}

func TestSlackNotifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":false,"error":"channel_not_found"}`)
	}))
	defer srv.Close()

	n := NewSlack("xoxb-test", "#missing", srv.URL+"/")
	err := n.Notify(context.Background(), samplePending())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send Slack message")
}

func TestTelegramNotify(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		text  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		mu.Lock()
		calls = append(calls, method)
		if method == "sendMessage" {
			text = r.PostForm.Get("text")
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"bot"}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		}
	}))
	defer srv.Close()

	n := NewTelegram("123:abc", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, n.Notify(context.Background(), samplePending()))
	require.NoError(t, n.Notify(context.Background(), samplePending()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"getMe", "sendMessage", "sendMessage"}, calls)
	assert.Contains(t, text, "mantora pending deny p-1")
}

func TestTelegramNotifyCanceled(t *testing.T) {
	n := NewTelegram("123:abc", 42, "http://127.0.0.1:1/bot%s/%s")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, samplePending()), context.Canceled)
}

type stubNotifier struct {
	name string
	err  error
	got  []Pending
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(_ context.Context, p Pending) error {
	s.got = append(s.got, p)
	return s.err
}

func TestBroadcastContinuesPastFailure(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	good := &stubNotifier{name: "good"}

	Broadcast(context.Background(), []Notifier{bad, good}, samplePending())

	assert.Len(t, bad.got, 1)
	assert.Len(t, good.got, 1)
}
