package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalTransport is a development transport that records the conversation
// in memory and mirrors it to a logger. Useful for driving the daemon over
// the control socket without a real chat platform.
type LocalTransport struct {
	mu       sync.Mutex
	logger   *log.Logger
	messages []LocalMessage
	signals  map[string][]SignalKind // messageID → attached signals
}

type LocalMessage struct {
	ID       string
	Channel  string
	ThreadID string
	Text     string
	PostedAt time.Time
}

func NewLocalTransport(logger *log.Logger) *LocalTransport {
	return &LocalTransport{
		logger:  logger,
		signals: make(map[string][]SignalKind),
	}
}

func (t *LocalTransport) PostMessage(_ context.Context, channel, threadID, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := LocalMessage{
		ID:       uuid.NewString(),
		Channel:  channel,
		ThreadID: threadID,
		Text:     text,
		PostedAt: time.Now().UTC(),
	}
	t.messages = append(t.messages, msg)
	t.logf("post channel=%s thread=%s text=%q", channel, threadID, text)
	return msg.ID, nil
}

func (t *LocalTransport) UpdateMessage(_ context.Context, channel, messageID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == messageID {
			t.messages[i].Text = text
			t.logf("update channel=%s message=%s text=%q", channel, messageID, text)
			return nil
		}
	}
	return fmt.Errorf("message not found: %s", messageID)
}

func (t *LocalTransport) AttachSignal(_ context.Context, channel, messageID string, kind SignalKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.signals[messageID] = append(t.signals[messageID], kind)
	t.logf("signal_attach channel=%s message=%s kind=%s", channel, messageID, kind)
	return nil
}

func (t *LocalTransport) ClearSignal(_ context.Context, channel, messageID string, kind SignalKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	attached := t.signals[messageID]
	for i, k := range attached {
		if k == kind {
			t.signals[messageID] = append(attached[:i], attached[i+1:]...)
			break
		}
	}
	t.logf("signal_clear channel=%s message=%s kind=%s", channel, messageID, kind)
	return nil
}

// Messages returns a copy of the recorded conversation.
func (t *LocalTransport) Messages() []LocalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LocalMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Signals returns the signals currently attached to a message.
func (t *LocalTransport) Signals(messageID string) []SignalKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SignalKind, len(t.signals[messageID]))
	copy(out, t.signals[messageID])
	return out
}

func (t *LocalTransport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf("%s INFO chat: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
