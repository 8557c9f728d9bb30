package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gastownhall/livechat/internal/chat"
	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/dispatch"
	"github.com/gastownhall/livechat/internal/localstore"
	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/stream"
)

func TestPrinterPrintsEachEntityOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	first := protocol.ChatEntity{ID: "m1", SenderID: "u1", Content: "hello", CreatedAt: now.Add(-time.Hour)}
	second := protocol.ChatEntity{ID: "m2", SenderID: "u2", SenderName: "Ana", Content: "hi", CreatedAt: now,
		ReplyTo: &protocol.ReplyPreview{SenderID: "u1", Content: "hello"}}

	p.items(stream.GroupByDate([]protocol.ChatEntity{first}, now, time.Local, nil))
	p.items(stream.GroupByDate([]protocol.ChatEntity{first, second}, now, time.Local, nil))

	out := buf.String()
	require.Equal(t, 1, bytes.Count([]byte(out), []byte("-- Today --")))
	require.Equal(t, 1, bytes.Count([]byte(out), []byte("u1: hello")))
	require.Contains(t, out, "Ana: hi  (m2)")
	require.Contains(t, out, "    > hello\n")

	p.items(nil)
	require.Contains(t, buf.String(), "-- history cleared --")
}

func TestBearerTokenPrefersSession(t *testing.T) {
	store, err := localstore.OpenFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	token := bearerToken(store, " env-secret ")
	require.Equal(t, "env-secret", token())

	require.NoError(t, localstore.WriteSession(store, localstore.Session{Token: "session-token", UserID: "u1"}))
	require.Equal(t, "session-token", token())

	require.Equal(t, "session-token", bearerToken(store, "")())
	require.NoError(t, store.Delete(localstore.SessionKey))
	require.Empty(t, bearerToken(store, "")())
}

func TestIndicatorIgnoresStalePulses(t *testing.T) {
	var badge indicator

	ind, changed := badge.update(conn.Pulse{State: conn.StateConnecting, Seq: 1})
	require.True(t, changed)
	require.Equal(t, "connecting", ind)

	_, changed = badge.update(conn.Pulse{State: conn.StateDisconnected, Seq: 3})
	require.True(t, changed)

	// A connected pulse computed before the disconnect lands late.
	ind, changed = badge.update(conn.Pulse{State: conn.StateConnected, Seq: 2})
	require.False(t, changed)
	require.Equal(t, "disconnected", ind)

	_, changed = badge.update(conn.Pulse{State: conn.StatePermanentlyFailed, Seq: 4})
	require.False(t, changed, "same badge text")
}

func TestReconnectCommandLeavesPermanentFailure(t *testing.T) {
	log := zaptest.NewLogger(t)
	m := conn.NewManager(conn.Config{
		URL:         "ws://127.0.0.1:1/ws",
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 1,
	}, dispatch.New(), conn.WithLogger(log))
	t.Cleanup(m.Disconnect)

	var mu sync.Mutex
	var states []conn.State
	stop := m.Watch(func(p conn.Pulse) {
		mu.Lock()
		states = append(states, p.State)
		mu.Unlock()
	})
	defer stop()

	m.EnsureConnected()
	require.Eventually(t, func() bool { return m.State() == conn.StatePermanentlyFailed }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	failedAt := len(states)
	mu.Unlock()

	var buf bytes.Buffer
	s := chat.New(m, nil, chat.Config{Scope: protocol.Anonymous(), SenderID: "u1", Logger: log})
	quit := handleLine(context.Background(), s, m, newPrinter(&buf), "/reconnect")
	require.False(t, quit)
	require.Contains(t, buf.String(), "* reconnecting")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range states[failedAt:] {
			if st == conn.StateConnecting {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
