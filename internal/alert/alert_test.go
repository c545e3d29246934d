package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mu   sync.Mutex
	name string
	sent []Notification
	err  error
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return m.err
}

func (m *mockChannel) delivered() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyReachesAllChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	ch1 := &mockChannel{name: "a"}
	ch2 := &mockChannel{name: "b", err: errors.New("down")}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Notify(context.Background(), LevelCritical, "title", "msg", map[string]string{"symbol": "BTC/USDT"})

	waitFor(t, func() bool { return len(ch1.delivered()) == 1 && len(ch2.delivered()) == 1 })
	n := ch1.delivered()[0]
	assert.Equal(t, LevelCritical, n.Level)
	assert.Equal(t, "title", n.Title)
	assert.Equal(t, "BTC/USDT", n.Fields["symbol"])
}

func TestRouterClassifiesTopics(t *testing.T) {
	m := NewManager(logging.NewNop())
	ch := &mockChannel{name: "mock"}
	m.AddChannel(ch)
	r := NewRouter(m)

	err := r.Handle(context.Background(), core.Event{
		Topic:   core.TopicDMSTriggered,
		Key:     "BTC/USDT",
		Payload: map[string]any{"stalled_ms": int64(9000)},
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ch.delivered()) == 1 })
	n := ch.delivered()[0]
	assert.Equal(t, LevelCritical, n.Level)
	assert.Contains(t, n.Title, "Dead-man's-switch")
	assert.Equal(t, "9000", n.Fields["stalled_ms"])
}

func TestSlackPostsWebhookPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	err := s.Send(context.Background(), Notification{
		Level: LevelWarning, Title: "t", Message: "m", At: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	attachments := got["attachments"].([]any)
	require.Len(t, attachments, 1)
	assert.Contains(t, attachments[0].(map[string]any)["pretext"], "WARNING")
}

func TestTelegramSkipsWithoutToken(t *testing.T) {
	tg := NewTelegram("", "")
	assert.NoError(t, tg.Send(context.Background(), Notification{Title: "t"}))
}

func TestTelegramPostsToBotAPI(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "chat42")
	tg.base = srv.URL
	err := tg.Send(context.Background(), Notification{Level: LevelCritical, Title: "halt", Message: "m"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "/bottok/sendMessage"))
	assert.Equal(t, "chat42", got["chat_id"])
	assert.Contains(t, got["text"], "CRITICAL")
}

func TestSlackNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	err := s.Send(context.Background(), Notification{Title: "t"})
	assert.Error(t, err)
}
