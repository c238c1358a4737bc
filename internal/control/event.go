package control

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the inbound chat events the surface consumes.
type EventKind string

const (
	// EventMessage is a new message in the intake channel.
	EventMessage EventKind = "message"
	// EventSignal is a status signal added to a message anchor.
	EventSignal EventKind = "signal"
	// EventReply is a reply within an existing thread.
	EventReply EventKind = "reply"
)

// ChatEvent is the decoded form of one inbound transport event. Payloads are
// decoded once at the boundary so downstream logic can match on Kind instead
// of probing loose JSON fields.
type ChatEvent struct {
	// ID deduplicates at-least-once transport delivery.
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Channel string    `json:"channel"`

	// MessageID is the message the event is about: the new message for
	// EventMessage, the signal's target for EventSignal.
	MessageID string `json:"message_id"`

	// ThreadID roots the thread for EventReply.
	ThreadID string `json:"thread_id,omitempty"`

	Text   string `json:"text,omitempty"`
	Author string `json:"author,omitempty"`

	// Signal is the signal name for EventSignal (e.g. "thumbsdown").
	Signal string `json:"signal,omitempty"`
}

// DecodeEvent parses and validates one inbound event payload.
func DecodeEvent(data []byte) (ChatEvent, error) {
	var ev ChatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChatEvent{}, fmt.Errorf("decode chat event: %w", err)
	}
	if ev.Channel == "" {
		return ChatEvent{}, fmt.Errorf("chat event missing channel")
	}
	switch ev.Kind {
	case EventMessage:
		if ev.MessageID == "" || ev.Text == "" {
			return ChatEvent{}, fmt.Errorf("message event requires message_id and text")
		}
	case EventSignal:
		if ev.MessageID == "" || ev.Signal == "" {
			return ChatEvent{}, fmt.Errorf("signal event requires message_id and signal")
		}
	case EventReply:
		if ev.ThreadID == "" || ev.Text == "" {
			return ChatEvent{}, fmt.Errorf("reply event requires thread_id and text")
		}
	default:
		return ChatEvent{}, fmt.Errorf("unknown event kind: %q", ev.Kind)
	}
	return ev, nil
}
