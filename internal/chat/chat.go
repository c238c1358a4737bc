// Package chat abstracts the chat transport: posting messages and attaching
// status signals to a task's anchor message. The concrete signal vocabulary
// (which icon means what) belongs to the transport adapter, not the core.
package chat

import (
	"context"

	"github.com/msageha/concierge/internal/model"
)

// SignalKind is the logical status marker attached to an anchor message.
type SignalKind string

const (
	SignalAwaitingClarification SignalKind = "awaiting-clarification"
	SignalRunning               SignalKind = "running"
	SignalSucceeded             SignalKind = "succeeded"
	SignalFailed                SignalKind = "failed"
	SignalCancelled             SignalKind = "cancelled"
)

// Transport is the outbound chat capability surface.
type Transport interface {
	// PostMessage posts text to a channel, threaded under threadID when
	// non-empty. Returns the posted message's id.
	PostMessage(ctx context.Context, channel, threadID, text string) (string, error)
	// UpdateMessage edits a previously posted message in place.
	UpdateMessage(ctx context.Context, channel, messageID, text string) error
	AttachSignal(ctx context.Context, channel, messageID string, kind SignalKind) error
	ClearSignal(ctx context.Context, channel, messageID string, kind SignalKind) error
}

// SignalForStatus maps a task status to the signal shown on its anchor. The
// chat surface must always reflect the repository's current status, so this
// mapping is total.
func SignalForStatus(s model.Status) SignalKind {
	switch s {
	case model.StatusPending, model.StatusWaiting:
		return SignalAwaitingClarification
	case model.StatusQueued, model.StatusRunning:
		return SignalRunning
	case model.StatusCompleted:
		return SignalSucceeded
	case model.StatusFailed:
		return SignalFailed
	case model.StatusRejected:
		return SignalCancelled
	default:
		return SignalRunning
	}
}
