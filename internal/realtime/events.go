// Package realtime is the in-memory room coordinator and chat relay.  A
// room exists while at least one connection is attached to a booking; all
// mutation of a room goes through its lock, and outbound events are
// queued to each connection's buffered channel in the order they were
// produced under that lock.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/iliyamo/live-tours/internal/model"
)

// InboundType tags events sent by clients.
type InboundType string

const (
	JoinRoom      InboundType = "join-room"
	LeaveRoom     InboundType = "leave-room"
	SendMessage   InboundType = "send-message"
	TypingStart   InboundType = "typing-start"
	TypingStop    InboundType = "typing-stop"
	SendReaction  InboundType = "send-reaction"
	DeleteMessage InboundType = "delete-message"
)

// OutboundType tags events sent to clients.
type OutboundType string

const (
	MessageHistory    OutboundType = "message-history"
	NewMessage        OutboundType = "new-message"
	UserTyping        OutboundType = "user-typing"
	UserStoppedTyping OutboundType = "user-stopped-typing"
	NewReaction       OutboundType = "new-reaction"
	MessageDeleted    OutboundType = "message-deleted"
	ParticipantCount  OutboundType = "participant-count"
	SessionEnded      OutboundType = "session-ended"
	ErrorEvent        OutboundType = "error"
)

// ErrMalformedEvent is returned for anything that is not exactly one of
// the inbound variants.
var ErrMalformedEvent = errors.New("malformed event")

// Inbound is a decoded client event.  Only the field belonging to Type is
// set.
type Inbound struct {
	Type      InboundType
	BookingID string
	Body      string
	Emoji     string
	MessageID string
}

type envelope struct {
	Type      InboundType     `json:"type"`
	BookingID string          `json:"bookingId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type messageData struct {
	Body string `json:"body"`
}

type reactionData struct {
	Emoji string `json:"emoji"`
}

type deleteData struct {
	MessageID string `json:"messageId"`
}

// DecodeInbound parses raw strictly: unknown types, unknown fields, a
// missing booking id, a payload on a variant that takes none, or trailing
// data are all rejected.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return Inbound{}, err
	}
	if env.BookingID == "" {
		return Inbound{}, fmt.Errorf("%w: bookingId is required", ErrMalformedEvent)
	}
	in := Inbound{Type: env.Type, BookingID: env.BookingID}

	switch env.Type {
	case JoinRoom, LeaveRoom, TypingStart, TypingStop:
		if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
			return Inbound{}, fmt.Errorf("%w: %s takes no data", ErrMalformedEvent, env.Type)
		}
	case SendMessage:
		var d messageData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return Inbound{}, err
		}
		in.Body = d.Body
	case SendReaction:
		var d reactionData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return Inbound{}, err
		}
		in.Emoji = d.Emoji
	case DeleteMessage:
		var d deleteData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return Inbound{}, err
		}
		if d.MessageID == "" {
			return Inbound{}, fmt.Errorf("%w: messageId is required", ErrMalformedEvent)
		}
		in.MessageID = d.MessageID
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
	return in, nil
}

func strictUnmarshal(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrMalformedEvent)
	}
	return nil
}

// Outbound is a server event.  Data holds the variant's payload.
type Outbound struct {
	Type      OutboundType `json:"type"`
	BookingID string       `json:"bookingId"`
	Data      any          `json:"data"`
}

// HistoryPayload carries recent messages, oldest first.
type HistoryPayload struct {
	Messages []model.ChatMessage `json:"messages"`
}

// TypingPayload names who started or stopped typing.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Reaction is an ephemeral emoji.  Timestamp is unix milliseconds assigned
// by the server and is used by clients for de-duplication.
type Reaction struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"`
}

// DeletedPayload identifies a removed message.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
}

// RosterEntry is one participant as seen by other participants.
type RosterEntry struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Roster splits the room into the hosting guide(s) and everyone else.
type Roster struct {
	Count   int           `json:"count"`
	Guides  []RosterEntry `json:"guides"`
	Viewers []RosterEntry `json:"viewers"`
}

// SessionEndedPayload is sent when the guide ends the broadcast.
type SessionEndedPayload struct {
	EndedAt time.Time `json:"endedAt"`
}

// ErrorPayload reports a rejected inbound event to its sender.
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Event   InboundType `json:"event,omitempty"`
}
