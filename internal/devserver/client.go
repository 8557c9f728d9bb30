package devserver

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/gastownhall/livechat/internal/protocol"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// client is one connected channel.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(id string, conn *websocket.Conn, server *Server) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.reject("binary frames are not supported", "bad_frame")
			continue
		}
		c.handleTextMessage(data)
	}
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendRaw queues an encoded frame, dropping it for a client that is not
// keeping up.
func (c *client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("frame_dropped_slow_client", zap.String("client_id", c.id))
	}
}

func (c *client) sendMessage(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.server.log.Error("encode_failed", zap.String("type", string(msg.Type())), zap.Error(err))
		return
	}
	c.sendRaw(data)
}

func (c *client) reject(reason, code string) {
	c.server.metrics.RejectedFrames.Inc()
	c.sendMessage(protocol.ServerError{Error: reason, Code: code})
}

func (c *client) handleTextMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.server.log.Debug("frame_rejected", zap.String("client_id", c.id), zap.Error(err))
		c.reject(err.Error(), "bad_frame")
		return
	}

	switch m := msg.(type) {
	case protocol.SendMessage:
		c.handleSendMessage(m)
	case protocol.Draw:
		c.server.broadcastExcept(c, m)
	case protocol.Presence:
		c.server.broadcast(m)
	default:
		c.reject("unsupported message type "+string(msg.Type()), "unsupported_type")
	}
}

func (c *client) handleSendMessage(m protocol.SendMessage) {
	if strings.TrimSpace(m.Content) == "" {
		c.reject("content is required", "invalid_message")
		return
	}
	if m.SenderID == "" {
		c.reject("sender_id is required", "invalid_message")
		return
	}
	c.server.accept(m.Scope(), m.Outgoing, "channel")
}
