package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, userID+":"+text)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouterDispatchesByPlatform(t *testing.T) {
	tg, bark := &recordingNotifier{}, &recordingNotifier{}
	r := NewRouter("telegram", rate.NewLimiter(rate.Inf, 1), discard())
	r.Register("telegram", tg)
	r.Register("Bark", bark)
	assert.Equal(t, []string{"bark", "telegram"}, r.Platforms())

	require.NoError(t, r.SendUserMessage(context.Background(), "42", "", "default"))
	require.NoError(t, r.SendUserMessage(context.Background(), "42", "BARK", "pushed"))
	assert.Equal(t, []string{"42:default"}, tg.sent)
	assert.Equal(t, []string{"42:pushed"}, bark.sent)

	err := r.SendUserMessage(context.Background(), "42", "slack", "x")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestRouterHonoursContextWhileThrottled(t *testing.T) {
	r := NewRouter("log", rate.NewLimiter(rate.Limit(0.001), 1), discard())
	r.Register("log", &LogNotifier{Logger: discard()})
	require.NoError(t, r.SendUserMessage(context.Background(), "u", "", "first"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.SendUserMessage(ctx, "u", "", "second"))
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("down")}
	err := NewMultiNotifier(bad, ok).Send(context.Background(), "u", "hi")
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"u:hi"}, ok.sent, "later notifiers still run")
}

func TestBarkNotifier(t *testing.T) {
	var got http.Header
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header
		assert.NoError(t, r.ParseForm())
		form = map[string]string{"title": r.PostForm.Get("title"), "body": r.PostForm.Get("body")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL + "/devicekey/")
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "u", "take a break"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Get("Content-Type"))
	assert.Equal(t, "take a break", form["body"])

	_, err = NewBarkNotifier("  ")
	assert.Error(t, err)
}

func TestBarkNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	b, err := NewBarkNotifier(srv.URL)
	require.NoError(t, err)
	assert.ErrorContains(t, b.Send(context.Background(), "u", "x"), "400")
}

func TestTelegramNotifier(t *testing.T) {
	var mu sync.Mutex
	var paths, bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(TelegramConfig{Token: "123:abc", APIURL: srv.URL, DefaultChatID: 99})
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "42", "call John"))
	require.NoError(t, n.Send(context.Background(), "alice", "fallback chat"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.True(t, strings.HasSuffix(paths[0], "/sendMessage"), paths[0])
	assert.Contains(t, bodies[0], "call John")
	assert.Contains(t, bodies[0], "42")
	assert.Contains(t, bodies[1], "99")
}

func TestTelegramNotifierRequiresChat(t *testing.T) {
	n, err := NewTelegramNotifier(TelegramConfig{Token: "123:abc", APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.ErrorContains(t, n.Send(context.Background(), "alice", "x"), "no telegram chat")

	_, err = NewTelegramNotifier(TelegramConfig{})
	assert.Error(t, err)
}
