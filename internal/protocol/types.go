// Package protocol defines the frames exchanged over the chat channel and the
// chat entities they carry.
//
// Every frame is a flat JSON object with a mandatory "type" field. Decode maps
// each known type onto its own Go struct and anything else onto Unknown, so
// consumers switch on concrete types instead of probing maps.
package protocol

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Type is the frame discriminator carried in the "type" field.
type Type string

const (
	TypeSendMessage       Type = "send_message"
	TypeNewMessage        Type = "new_message"
	TypeClearMessages     Type = "clear_messages"
	TypeConnectionsUpdate Type = "connections_update"
	TypeWelcome           Type = "welcome"
	TypePresence          Type = "presence"
	TypeDraw              Type = "draw"
	TypeError             Type = "error"
)

// MaxPreviewRunes caps the content copied into a reply preview.
const MaxPreviewRunes = 80

// Message is a decoded channel frame.
type Message interface {
	Type() Type
}

// ReplyPreview is the denormalized view of the message being replied to.
type ReplyPreview struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
}

// ChatEntity is one chat message as assigned by the server. It is never
// mutated after creation.
type ChatEntity struct {
	ID              string        `json:"id"`
	SenderID        string        `json:"sender_id"`
	SenderName      string        `json:"sender_name,omitempty"`
	Content         string        `json:"content"`
	ReplyToID       string        `json:"reply_to_id,omitempty"`
	ReplyTo         *ReplyPreview `json:"reply_to,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	GroupID         string        `json:"group_id,omitempty"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
}

// Scope reports which conversation, group or anonymous room the entity belongs to.
func (e ChatEntity) Scope() Scope {
	return scopeOf(e.ConversationID, e.GroupID)
}

// NewReplyPreview builds the preview shown above a reply to e.
func NewReplyPreview(e ChatEntity) *ReplyPreview {
	return &ReplyPreview{
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Content:    TruncatePreview(e.Content),
	}
}

// TruncatePreview shortens content to MaxPreviewRunes, marking the cut with an ellipsis.
func TruncatePreview(content string) string {
	if utf8.RuneCountInString(content) <= MaxPreviewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxPreviewRunes-1]) + "…"
}

// Outgoing is the body of a message being sent, shared by the channel frame
// and the REST fallback request.
type Outgoing struct {
	ClientMessageID string `json:"client_message_id,omitempty"`
	SenderID        string `json:"sender_id"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
}

// SendMessage is the outbound frame for a new chat message.
type SendMessage struct {
	Outgoing
	ConversationID string `json:"conversation_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
}

func (SendMessage) Type() Type { return TypeSendMessage }

// Scope reports the destination of the message.
func (m SendMessage) Scope() Scope { return scopeOf(m.ConversationID, m.GroupID) }

// NewMessage announces a message the server accepted.
type NewMessage struct {
	Message ChatEntity `json:"message"`
}

func (NewMessage) Type() Type { return TypeNewMessage }

// ClearMessages tells every surface showing the scope to drop its messages.
type ClearMessages struct {
	ConversationID string `json:"conversation_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
}

func (ClearMessages) Type() Type { return TypeClearMessages }

func (m ClearMessages) Scope() Scope { return scopeOf(m.ConversationID, m.GroupID) }

// ConnectionsUpdate carries the number of clients connected to the backend.
type ConnectionsUpdate struct {
	Connections int `json:"connections"`
}

func (ConnectionsUpdate) Type() Type { return TypeConnectionsUpdate }

// Welcome is the greeting sent right after the channel opens.
type Welcome struct {
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (Welcome) Type() Type { return TypeWelcome }

// Presence reports a user coming online, going idle or leaving.
type Presence struct {
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	GroupID string `json:"group_id,omitempty"`
}

func (Presence) Type() Type { return TypePresence }

// Draw is a shared-canvas stroke. The payload is opaque to chat surfaces and
// kept verbatim for the canvas consumer.
type Draw struct {
	Raw json.RawMessage
}

func (Draw) Type() Type { return TypeDraw }

// MarshalJSON emits the original frame.
func (d Draw) MarshalJSON() ([]byte, error) {
	if len(d.Raw) == 0 {
		return []byte("{}"), nil
	}
	return d.Raw, nil
}

// ServerError is an error reported by the backend for a previous frame.
type ServerError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (ServerError) Type() Type { return TypeError }

// Unknown holds a well-formed frame whose type this client does not model.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (u Unknown) Type() Type { return Type(u.Kind) }

// MarshalJSON emits the original frame.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}
