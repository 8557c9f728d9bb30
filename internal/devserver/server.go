// Package devserver is an in-memory chat backend for local development and
// integration tests. It speaks the same channel frames and REST endpoints as
// the production backend and keeps everything in memory.
package devserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/wsbase"
)

const readLimit = 64 << 10

// Config configures a Server.
type Config struct {
	// AuthToken, when set, is required on /ws and the REST endpoints as a
	// bearer header or a token query parameter.
	AuthToken      string
	OriginPatterns []string
	Logger         *zap.Logger
	// Registry receives the server collectors and is served on /metrics.
	// Nil creates a private registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// Server is the development backend.
type Server struct {
	authToken      string
	originPatterns []string
	log            *zap.Logger
	registry       *prometheus.Registry
	metrics        *metrics.Server
	store          *messageStore

	mu         sync.Mutex
	clients    map[*client]struct{}
	nextClient int
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		authToken:      cfg.AuthToken,
		originPatterns: cfg.OriginPatterns,
		log:            log.Named("devserver"),
		registry:       reg,
		metrics:        metrics.NewServer(reg),
		store:          newMessageStore(now),
		clients:        make(map[*client]struct{}),
	}
}

// Handler returns the routes: /ws, /up, /metrics and the REST API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.UseEncodedPath()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/chat").Subrouter()
	api.Use(wsbase.CorsHandler)
	s.registerREST(api)
	return r
}

// HandleWebSocket is the HTTP handler for /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !wsbase.IsAuthorizedRequest(s.authToken, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsbase.AcceptWebSocket(w, r, s.originPatterns)
	if err != nil {
		s.log.Warn("websocket_accept_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	c := s.addClient(conn)
	defer s.removeClient(c)

	c.sendMessage(protocol.Welcome{ClientID: c.id, Message: "connected to livechat devserver"})
	s.broadcastConnections()
	c.run()
}

// CloseClients drops every live connection without stopping the server.
// Clients see an unexpected close and reconnect.
func (s *Server) CloseClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.cancel()
	}
	s.log.Info("clients_dropped", zap.Int("count", len(clients)))
}

// ClientCount returns the number of connected channels.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Messages returns the stored history of a scope.
func (s *Server) Messages(scope protocol.Scope) []protocol.ChatEntity {
	return s.store.list(scope)
}

// accept stores a message and announces it on every channel.
func (s *Server) accept(scope protocol.Scope, out protocol.Outgoing, transport string) protocol.ChatEntity {
	e := s.store.add(scope, out)
	s.metrics.StoredMessages.WithLabelValues(transport).Inc()
	s.log.Info("message_stored",
		zap.String("id", e.ID),
		zap.String("scope", scope.String()),
		zap.String("transport", transport),
	)
	s.broadcast(protocol.NewMessage{Message: e})
	return e
}

func (s *Server) clear(scope protocol.Scope) {
	n := s.store.clear(scope)
	s.log.Info("messages_cleared", zap.String("scope", scope.String()), zap.Int("count", n))
	s.broadcast(scope.NewClearMessages())
}

func (s *Server) broadcast(msg protocol.Message) {
	s.broadcastExcept(nil, msg)
}

func (s *Server) broadcastExcept(skip *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode_failed", zap.String("type", string(msg.Type())), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c != skip {
			c.sendRaw(data)
		}
	}
}

func (s *Server) broadcastConnections() {
	s.broadcast(protocol.ConnectionsUpdate{Connections: s.ClientCount()})
}

func (s *Server) addClient(conn *websocket.Conn) *client {
	s.mu.Lock()
	s.nextClient++
	c := newClient("client_"+strconv.Itoa(s.nextClient), conn, s)
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	s.metrics.ConnectedClients.Set(float64(n))
	s.log.Info("client_connected", zap.String("client_id", c.id), zap.Int("clients", n))
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	c.cancel()

	s.metrics.ConnectedClients.Set(float64(n))
	s.log.Info("client_disconnected", zap.String("client_id", c.id), zap.Int("clients", n))
	s.broadcastConnections()
}
