package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the JSON envelope for every event crossing the socket, in either
// direction: a named event plus an event-specific payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventPresenceSnapshot = "presence-snapshot"
	EventPresenceDelta    = "presence-delta"
	EventMessageReceived  = "message-received"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
)

// Outbound event names.
const (
	EventAuthenticate     = "authenticate"
	EventJoinConversation = "join-conversation"
	EventSendMessage      = "send-message"
	EventRequestPresence  = "request-presence"
	// typing / stop-typing are symmetric and reuse the inbound names.
)

// ErrMalformedPayload is returned when an inbound payload does not match
// the expected shape for its event. Consumers log and drop such frames;
// an untrusted wire payload never takes the session down.
var ErrMalformedPayload = errors.New("malformed server payload")

// AuthPayload carries the bearer token for the authenticate handshake.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"_id"`
}

// DisconnectPayload carries the server's reason for closing the session.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ReasonAuth marks a server disconnect caused by a rejected token.
const ReasonAuth = "auth"

// PresenceDelta is an incremental online/offline change for one user.
type PresenceDelta struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingPayload identifies who is typing in which conversation.
type TypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"chatId"`
}

// WireSender is the sender sub-document of an inbound message.
type WireSender struct {
	ID string `json:"_id"`
}

// InboundMessage is a server-confirmed message as it appears on the wire.
type InboundMessage struct {
	ID             string     `json:"_id"`
	ConversationID string     `json:"chat"`
	Sender         WireSender `json:"sender"`
	Content        string     `json:"content"`
	MediaRef       string     `json:"media,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SendPayload broadcasts a confirmed message to the conversation's peers.
type SendPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"chatId"`
	Content        string `json:"content"`
}

// JoinPayload subscribes the session to a conversation's room.
type JoinPayload struct {
	ConversationID string `json:"chatId"`
}

// NewFrame builds a frame from an event name and payload.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// DecodePresenceSnapshot decodes a full roster payload. Anything other than
// a JSON array of strings is malformed.
func DecodePresenceSnapshot(data json.RawMessage) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: presence snapshot: %v", ErrMalformedPayload, err)
	}
	return ids, nil
}

// DecodePresenceDelta decodes an incremental presence change.
func DecodePresenceDelta(data json.RawMessage) (PresenceDelta, error) {
	var d PresenceDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return PresenceDelta{}, fmt.Errorf("%w: presence delta: %v", ErrMalformedPayload, err)
	}
	if d.UserID == "" {
		return PresenceDelta{}, fmt.Errorf("%w: presence delta without userId", ErrMalformedPayload)
	}
	return d, nil
}

// DecodeTyping decodes a typing or stop-typing payload.
func DecodeTyping(data json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return TypingPayload{}, fmt.Errorf("%w: typing: %v", ErrMalformedPayload, err)
	}
	if p.ConversationID == "" {
		return TypingPayload{}, fmt.Errorf("%w: typing without chatId", ErrMalformedPayload)
	}
	return p, nil
}

// DecodeMessage decodes an inbound confirmed message.
func DecodeMessage(data json.RawMessage) (InboundMessage, error) {
	var m InboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: message: %v", ErrMalformedPayload, err)
	}
	if m.ID == "" || m.ConversationID == "" {
		return InboundMessage{}, fmt.Errorf("%w: message without id or chat", ErrMalformedPayload)
	}
	return m, nil
}

// DecodeDisconnect decodes a server disconnect payload. A missing or
// malformed payload yields an empty reason rather than an error.
func DecodeDisconnect(data json.RawMessage) DisconnectPayload {
	var p DisconnectPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	return p
}
