package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxErrorSample caps how much of a bad frame is quoted in a ParseError.
const maxErrorSample = 120

// ParseError reports an inbound frame that could not be decoded. It is
// scoped to a single frame; the channel keeps running.
type ParseError struct {
	Type   Type
	Reason string
	Sample string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse channel message")
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Type))
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decode parses one inbound frame. Unrecognised types decode to Unknown
// rather than failing.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ParseError{Reason: "invalid JSON", Sample: sample(data)}
	}
	kind := gjson.GetBytes(data, "type")
	if kind.Type != gjson.String || strings.TrimSpace(kind.Str) == "" {
		return nil, &ParseError{Reason: "missing type", Sample: sample(data)}
	}

	t := Type(kind.Str)
	switch t {
	case TypeSendMessage:
		return decodeAs[SendMessage](t, data)
	case TypeNewMessage:
		msg, err := decodeAs[NewMessage](t, data)
		if err != nil {
			return nil, err
		}
		if msg.(NewMessage).Message.ID == "" {
			return nil, &ParseError{Type: t, Reason: "message.id is required", Sample: sample(data)}
		}
		return msg, nil
	case TypeClearMessages:
		return decodeAs[ClearMessages](t, data)
	case TypeConnectionsUpdate:
		return decodeAs[ConnectionsUpdate](t, data)
	case TypeWelcome:
		return decodeAs[Welcome](t, data)
	case TypePresence:
		return decodeAs[Presence](t, data)
	case TypeError:
		return decodeAs[ServerError](t, data)
	case TypeDraw:
		return Draw{Raw: append(json.RawMessage(nil), data...)}, nil
	default:
		return Unknown{Kind: kind.Str, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Encode renders msg as a single frame with its type stamped in.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode channel message: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode channel message %s: %w", msg.Type(), err)
	}
	data, err = sjson.SetBytes(data, "type", string(msg.Type()))
	if err != nil {
		return nil, fmt.Errorf("encode channel message %s: %w", msg.Type(), err)
	}
	return data, nil
}

func decodeAs[T Message](t Type, data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ParseError{Type: t, Reason: "invalid payload", Sample: sample(data), Err: err}
	}
	return v, nil
}

func sample(data []byte) string {
	if len(data) > maxErrorSample {
		return string(data[:maxErrorSample])
	}
	return string(data)
}
