package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/chat"
	"github.com/gastownhall/livechat/internal/config"
	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/delivery"
	"github.com/gastownhall/livechat/internal/dispatch"
	"github.com/gastownhall/livechat/internal/identity"
	"github.com/gastownhall/livechat/internal/localstore"
	"github.com/gastownhall/livechat/internal/logging"
	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/rest"
	"github.com/gastownhall/livechat/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("livechat", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: livechat [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Terminal chat client. Joins the anonymous room unless --conversation or\n")
		fmt.Fprintf(os.Stderr, "--group is given. Type a line to send it. Commands: /reply <id> <text>,\n")
		fmt.Fprintf(os.Stderr, "/clear, /who, /reconnect, /quit.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  livechat\n")
		fmt.Fprintf(os.Stderr, "  livechat --server https://chat.example.com --group team\n")
		fmt.Fprintf(os.Stderr, "  livechat --token SECRET --user-id u1 --conversation c42\n")
	}
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "chat backend base URL")
	flags.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "local state backend: file or pebble")
	flags.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "local state location (default under the user config dir)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogSink, "log-sink", cfg.LogSink, "stderr, stdout or file:<path>")
	flags.StringVar(&cfg.Locale, "locale", cfg.Locale, "locale for date labels")
	sessionToken := flags.String("token", "", "store this session token before connecting")
	userID := flags.String("user-id", "", "user id stored with --token")
	username := flags.String("username", "", "username stored with --token")
	conversation := flags.String("conversation", "", "open this direct conversation")
	group := flags.String("group", "", "open this group chat")
	watchSession := flags.Bool("watch-session", false, "report session changes made by other processes (file store only)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var scope protocol.Scope
	switch {
	case *conversation != "" && *group != "":
		return errors.New("--conversation and --group are mutually exclusive")
	case *conversation != "":
		scope = protocol.Conversation(*conversation)
	case *group != "":
		scope = protocol.Group(*group)
	default:
		scope = protocol.Anonymous()
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogSink)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	storePath, err := cfg.ResolvedStorePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	store, err := localstore.Open(cfg.StoreBackend, storePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if *sessionToken != "" {
		sess := localstore.Session{Token: *sessionToken, UserID: *userID, Username: *username}
		if err := localstore.WriteSession(store, sess); err != nil {
			return fmt.Errorf("store session: %w", err)
		}
	}

	ccfg, err := cfg.ConnConfig()
	if err != nil {
		return err
	}
	m := metrics.NewClient(nil)
	token := bearerToken(store, cfg.AuthToken)
	header := http.Header{}
	if tok := token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	d := dispatch.New(dispatch.WithLogger(log), dispatch.WithMetrics(m))
	manager := conn.NewManager(ccfg, d, conn.WithLogger(log), conn.WithMetrics(m), conn.WithHeader(header))
	defer manager.Disconnect()

	api := rest.New(cfg.RESTBaseURL(),
		rest.WithTokenSource(token),
		rest.WithLogger(log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := newPrinter(os.Stdout)
	surface := chat.New(manager, api, chat.Config{
		Scope:      scope,
		Owner:      "terminal",
		Identity:   identity.NewProvisioner(store, identity.WithLogger(log)),
		Session:    store,
		AckTimeout: cfg.AckTimeout,
		Delivery:   []delivery.Option{delivery.WithRate(cfg.SendRate, cfg.SendBurst)},
		Labeler:    stream.NewLabeler(cfg.Locale),
		Logger:     log,
		Metrics:    m,
	})
	defer surface.Close()

	stopEvents := surface.OnChange(func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventMessages:
			out.items(surface.Groups(time.Now()))
		case chat.EventAckTimeout, chat.EventServerError:
			out.notice("! %v", ev.Err)
		}
	})
	defer stopEvents()

	var badge indicator
	stopWatch := manager.Watch(func(p conn.Pulse) {
		if ind, changed := badge.update(p); changed {
			out.notice("* %s (%s)", ind, p.State)
		}
	})
	defer stopWatch()

	if *watchSession {
		fs, ok := store.(*localstore.FileStore)
		if !ok {
			return errors.New("--watch-session needs the file store")
		}
		go func() {
			err := fs.Watch(ctx, func(c localstore.Change) {
				if c.Key == localstore.SessionKey {
					log.Info("session_changed", zap.Bool("deleted", c.Deleted))
					out.notice("* session changed; restart to use it")
				}
			})
			if err != nil {
				log.Warn("session_watch_failed", zap.Error(err))
			}
		}()
	}

	if err := surface.Open(ctx); err != nil {
		if errors.Is(err, chat.ErrNoSession) {
			return fmt.Errorf("%s needs a session; pass --token and --user-id", scope)
		}
		out.notice("! %v", err)
	}
	out.notice("* %s as %s", scope, surface.SenderID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, surface, manager, out, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user asked to quit.
func handleLine(ctx context.Context, s *chat.Surface, m *conn.Manager, out *printer, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/clear":
		if err := s.ClearAll(ctx); err != nil {
			out.notice("! clear: %v", err)
		}
		return false
	case line == "/reconnect":
		m.EnsureConnected()
		out.notice("* reconnecting (%s)", m.State())
		return false
	case line == "/who":
		out.notice("* %d online, %s", s.Online(), s.Connectivity())
		return false
	case strings.HasPrefix(line, "/reply "):
		id, text, _ := strings.Cut(strings.TrimPrefix(line, "/reply "), " ")
		send(ctx, s, out, text, id)
		return false
	default:
		send(ctx, s, out, line, "")
		return false
	}
}

func send(ctx context.Context, s *chat.Surface, out *printer, text, replyTo string) {
	r, err := s.Send(ctx, text, replyTo)
	if err != nil {
		out.notice("! send: %v", err)
		return
	}
	if r.Mode == delivery.ModeFallback {
		out.notice("* sent over REST")
	}
}

// bearerToken prefers the stored session token and falls back to the
// configured LIVECHAT_AUTH_TOKEN.
func bearerToken(store localstore.Store, fallback string) func() string {
	session := localstore.SessionToken(store)
	fallback = strings.TrimSpace(fallback)
	return func() string {
		if tok := session(); tok != "" {
			return tok
		}
		return fallback
	}
}

// indicator tracks the connectivity badge. Pulses are emitted outside the
// manager's lock and may arrive out of order; Seq decides which is newest.
type indicator struct {
	mu      sync.Mutex
	lastSeq uint64
	seen    bool
	current string
}

// update applies p and reports the badge text and whether it changed.
func (i *indicator) update(p conn.Pulse) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen && p.Seq <= i.lastSeq {
		return i.current, false
	}
	i.seen = true
	i.lastSeq = p.Seq
	ind := p.State.Indicator()
	if ind == i.current {
		return ind, false
	}
	i.current = ind
	return ind, true
}

// printer writes the transcript, printing each entity once.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]struct{}
	day     string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]struct{})}
}

func (p *printer) items(groups []stream.DateGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if countItems(groups) == 0 && len(p.printed) > 0 {
		p.printed = make(map[string]struct{})
		p.day = ""
		fmt.Fprintln(p.w, "-- history cleared --")
		return
	}
	for _, g := range groups {
		for _, e := range g.Items {
			if _, ok := p.printed[e.ID]; ok {
				continue
			}
			p.printed[e.ID] = struct{}{}
			if g.Key != p.day {
				p.day = g.Key
				fmt.Fprintf(p.w, "-- %s --\n", g.Label)
			}
			if e.ReplyTo != nil {
				fmt.Fprintf(p.w, "    > %s\n", e.ReplyTo.Content)
			}
			name := e.SenderName
			if name == "" {
				name = e.SenderID
			}
			fmt.Fprintf(p.w, "[%s] %s: %s  (%s)\n", e.CreatedAt.Local().Format("15:04"), name, e.Content, e.ID)
		}
	}
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func countItems(groups []stream.DateGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Items)
	}
	return n
}
