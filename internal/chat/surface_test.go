package chat

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/delivery"
	"github.com/gastownhall/livechat/internal/devserver"
	"github.com/gastownhall/livechat/internal/dispatch"
	"github.com/gastownhall/livechat/internal/identity"
	"github.com/gastownhall/livechat/internal/localstore"
	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/rest"
)

var serverNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// countingBackend records how many messages went out over REST.
type countingBackend struct {
	*rest.Client
	sends atomic.Int32
}

func (b *countingBackend) SendMessage(ctx context.Context, s protocol.Scope, out protocol.Outgoing) (protocol.ChatEntity, error) {
	b.sends.Add(1)
	return b.Client.SendMessage(ctx, s, out)
}

type testEnv struct {
	srv     *devserver.Server
	ts      *httptest.Server
	backend *countingBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := devserver.New(devserver.Config{
		Logger: zaptest.NewLogger(t),
		Now:    func() time.Time { return serverNow },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseClients()
		ts.Close()
	})
	return &testEnv{
		srv:     srv,
		ts:      ts,
		backend: &countingBackend{Client: rest.New(ts.URL)},
	}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) newManager(t *testing.T, url string) *conn.Manager {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := conn.NewManager(conn.Config{
		URL:         url,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 2,
	}, dispatch.New(dispatch.WithLogger(log)), conn.WithLogger(log))
	t.Cleanup(m.Disconnect)
	return m
}

func (e *testEnv) open(t *testing.T, m *conn.Manager, cfg Config) *Surface {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Location = time.UTC
	if cfg.SenderID == "" && cfg.Scope.IsAnonymous() {
		store, err := localstore.OpenFile(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		cfg.Identity = identity.NewProvisioner(store)
	}
	s := New(m, e.backend, cfg)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Open(context.Background()))
	return s
}

func waitConnected(t *testing.T, m *conn.Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == conn.StateConnected },
		2*time.Second, 10*time.Millisecond)
}

func contents(items []protocol.ChatEntity) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.Content)
	}
	return out
}

func TestConnectedSendUsesChannelAndAppearsOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, env.wsURL())
	s := env.open(t, m, Config{Scope: protocol.Anonymous()})
	waitConnected(t, m)
	require.True(t, identity.IsAnonymous(s.SenderID()))

	r, err := s.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	require.Equal(t, delivery.ModeChannel, r.Mode)
	require.Nil(t, r.Entity)

	require.Eventually(t, func() bool { return len(s.Items()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"hi"}, contents(s.Items()))
	require.Equal(t, r.ClientMessageID, s.Items()[0].ClientMessageID)
	require.Zero(t, env.backend.sends.Load())
	require.Len(t, env.srv.Messages(protocol.Anonymous()), 1)
}

func TestDisconnectedSendFallsBackToREST(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, "ws://127.0.0.1:1/ws")
	s := env.open(t, m, Config{Scope: protocol.Group("g1"), SenderID: "u1"})

	r, err := s.Send(context.Background(), "over rest", "")
	require.NoError(t, err)
	require.Equal(t, delivery.ModeFallback, r.Mode)
	require.NotNil(t, r.Entity)

	require.Equal(t, []string{"over rest"}, contents(s.Items()))
	require.EqualValues(t, 1, env.backend.sends.Load())
	require.Len(t, env.srv.Messages(protocol.Group("g1")), 1)
}

func TestHistoryAndLiveEventsDeduplicate(t *testing.T) {
	env := newTestEnv(t)
	scope := protocol.Conversation("c1")
	first, err := env.backend.Client.SendMessage(context.Background(), scope, protocol.Outgoing{SenderID: "u2", Content: "earlier"})
	require.NoError(t, err)

	m := env.newManager(t, env.wsURL())
	s := env.open(t, m, Config{Scope: scope, SenderID: "u1"})
	require.Equal(t, []string{"earlier"}, contents(s.Items()))

	// The same entity replayed live must not duplicate the history copy.
	m.Dispatcher().Dispatch(protocol.NewMessage{Message: first})
	require.Len(t, s.Items(), 1)

	waitConnected(t, m)
	_, err = env.backend.Client.SendMessage(context.Background(), scope, protocol.Outgoing{SenderID: "u2", Content: "later"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Items()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"earlier", "later"}, contents(s.Items()))
}

func TestOtherScopesAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, env.wsURL())
	s := env.open(t, m, Config{Scope: protocol.Group("g1"), SenderID: "u1"})
	waitConnected(t, m)

	other := protocol.ChatEntity{ID: "x", SenderID: "u2", Content: "elsewhere", GroupID: "g2", CreatedAt: serverNow}
	m.Dispatcher().Dispatch(protocol.NewMessage{Message: other})
	m.Dispatcher().Dispatch(protocol.Group("g2").NewClearMessages())

	_, err := env.backend.Client.SendMessage(context.Background(), protocol.Group("g1"), protocol.Outgoing{SenderID: "u2", Content: "here"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Items()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"here"}, contents(s.Items()))
}

func TestClosingOneSurfaceKeepsChannelForOthers(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, env.wsURL())
	scope := protocol.Group("g1")
	modal := env.open(t, m, Config{Scope: scope, SenderID: "u1", Owner: "modal"})
	page := env.open(t, m, Config{Scope: scope, SenderID: "u1", Owner: "page"})
	waitConnected(t, m)
	require.Equal(t, 2, m.Owners())

	require.NoError(t, modal.Close())
	require.Equal(t, conn.StateConnected, m.State())
	require.Equal(t, 1, m.Owners())

	_, err := env.backend.Client.SendMessage(context.Background(), scope, protocol.Outgoing{SenderID: "u2", Content: "still live"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(page.Items()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, modal.Items())

	_, err = modal.Send(context.Background(), "late", "")
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, page.Close())
	require.Equal(t, conn.StateDisconnected, m.State())
	require.Zero(t, m.Dispatcher().Len())
}

func TestClearAllReachesOtherClients(t *testing.T) {
	env := newTestEnv(t)
	scope := protocol.Group("g1")
	_, err := env.backend.Client.SendMessage(context.Background(), scope, protocol.Outgoing{SenderID: "u2", Content: "old"})
	require.NoError(t, err)

	ma := env.newManager(t, env.wsURL())
	mb := env.newManager(t, env.wsURL())
	a := env.open(t, ma, Config{Scope: scope, SenderID: "u1"})
	b := env.open(t, mb, Config{Scope: scope, SenderID: "u2"})
	waitConnected(t, ma)
	waitConnected(t, mb)
	require.Len(t, b.Items(), 1)

	require.NoError(t, a.ClearAll(context.Background()))
	require.Empty(t, a.Items())
	require.Eventually(t, func() bool { return len(b.Items()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, env.srv.Messages(scope))
}

func TestOpenResolvesSessionUser(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, env.wsURL())
	store, err := localstore.OpenFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	s := New(m, env.backend, Config{Scope: protocol.Conversation("c1"), Session: store})
	require.ErrorIs(t, s.Open(context.Background()), ErrNoSession)
	require.Zero(t, m.Owners())

	require.NoError(t, localstore.WriteSession(store, localstore.Session{Token: "t", UserID: "user-7"}))
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.Equal(t, "user-7", s.SenderID())
}

func TestSendBeforeOpen(t *testing.T) {
	env := newTestEnv(t)
	s := New(env.newManager(t, env.wsURL()), env.backend, Config{Scope: protocol.Anonymous(), SenderID: "u1"})
	_, err := s.Send(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestEventsAndOnlineCount(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, env.wsURL())
	s := New(m, env.backend, Config{Scope: protocol.Anonymous(), SenderID: "u1", Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = s.Close() })

	var messages, online atomic.Int32
	stop := s.OnChange(func(ev Event) {
		switch ev.Kind {
		case EventMessages:
			messages.Add(1)
		case EventOnline:
			online.Add(1)
		}
	})
	defer stop()

	require.NoError(t, s.Open(context.Background()))
	waitConnected(t, m)
	require.Eventually(t, func() bool { return s.Online() == 1 && online.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "connected", s.Connectivity())

	before := messages.Load()
	_, err := s.Send(context.Background(), "ping", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return messages.Load() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestGroupsLabelsToday(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, "ws://127.0.0.1:1/ws")
	s := env.open(t, m, Config{Scope: protocol.Anonymous(), SenderID: "u1"})

	_, err := s.Send(context.Background(), "morning", "")
	require.NoError(t, err)

	groups := s.Groups(serverNow.Add(time.Hour))
	require.Len(t, groups, 1)
	require.Equal(t, "Today", groups[0].Label)
	require.Equal(t, []string{"morning"}, contents(groups[0].Items))
}

// gatedBackend holds ListMessages until release is closed.
type gatedBackend struct {
	*countingBackend
	history []protocol.ChatEntity
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedBackend(env *testEnv, history ...protocol.ChatEntity) *gatedBackend {
	return &gatedBackend{
		countingBackend: env.backend,
		history:         history,
		started:         make(chan struct{}, 4),
		release:         make(chan struct{}),
	}
}

func (b *gatedBackend) ListMessages(ctx context.Context, _ protocol.Scope) ([]protocol.ChatEntity, error) {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return b.history, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLiveFramesDuringHistoryLoad(t *testing.T) {
	scope := protocol.Group("g1")
	m1 := protocol.ChatEntity{ID: "m1", SenderID: "u2", Content: "hi", GroupID: "g1", CreatedAt: serverNow}
	m2 := protocol.ChatEntity{ID: "m2", SenderID: "u2", Content: "later", GroupID: "g1", CreatedAt: serverNow.Add(time.Minute)}
	m3 := protocol.ChatEntity{ID: "m3", SenderID: "u2", Content: "after clear", GroupID: "g1", CreatedAt: serverNow.Add(2 * time.Minute)}

	tests := []struct {
		name   string
		frames []protocol.Message
		want   []string
	}{
		{
			name:   "duplicate and newer entity",
			frames: []protocol.Message{protocol.NewMessage{Message: m1}, protocol.NewMessage{Message: m2}},
			want:   []string{"hi", "later"},
		},
		{
			name:   "clear wipes history and earlier frames",
			frames: []protocol.Message{protocol.NewMessage{Message: m2}, scope.NewClearMessages(), protocol.NewMessage{Message: m3}},
			want:   []string{"after clear"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			m := env.newManager(t, "ws://127.0.0.1:1/ws")
			backend := newGatedBackend(env, m1)
			s := New(m, backend, Config{Scope: scope, SenderID: "u1", Location: time.UTC, Logger: zaptest.NewLogger(t)})
			t.Cleanup(func() { _ = s.Close() })

			done := make(chan error, 1)
			go func() { done <- s.Open(context.Background()) }()
			<-backend.started

			for _, f := range tt.frames {
				m.Dispatcher().Dispatch(f)
			}
			require.Empty(t, s.Items())

			close(backend.release)
			require.NoError(t, <-done)
			require.Equal(t, tt.want, contents(s.Items()))
		})
	}
}

func TestConcurrentOpenRegistersOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, "ws://127.0.0.1:1/ws")
	backend := newGatedBackend(env)
	s := New(m, backend, Config{Scope: protocol.Anonymous(), SenderID: "u1", Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = s.Close() })

	first := make(chan error, 1)
	go func() { first <- s.Open(context.Background()) }()
	<-backend.started

	require.NoError(t, s.Open(context.Background()))
	close(backend.release)
	require.NoError(t, <-first)

	require.EqualValues(t, 1, backend.calls.Load())
	require.Equal(t, 1, m.Owners())
	require.Equal(t, 2, m.Dispatcher().Len())
}
