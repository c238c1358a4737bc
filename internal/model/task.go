// Package model defines the data structures for concierge's tasks,
// configuration, and lifecycle state machine.
package model

import (
	"time"
)

// Intent is the classifier-assigned category of a task. It is set once at
// classification time and never mutated; the execution timeout is looked up
// from it.
type Intent string

const (
	IntentResearch   Intent = "research"
	IntentCodeChange Intent = "code_change"
	IntentOrganize   Intent = "organize"
	IntentQuestion   Intent = "question"
	IntentReminder   Intent = "reminder"
	IntentOther      Intent = "other"
)

var validIntents = map[Intent]bool{
	IntentResearch:   true,
	IntentCodeChange: true,
	IntentOrganize:   true,
	IntentQuestion:   true,
	IntentReminder:   true,
	IntentOther:      true,
}

func IsValidIntent(i Intent) bool {
	return validIntents[i]
}

// NormalizeIntent maps unknown classifier output onto IntentOther so a
// misbehaving classifier cannot produce a task without a timeout.
func NormalizeIntent(i Intent) Intent {
	if validIntents[i] {
		return i
	}
	return IntentOther
}

// Anchor identifies the conversation a task belongs to: the channel plus the
// message id that roots its thread. It is the lookup key for correlating
// replies and status signals with a task.
type Anchor struct {
	Channel  string `yaml:"channel" json:"channel"`
	ThreadID string `yaml:"thread_id" json:"thread_id"`
}

func (a Anchor) IsZero() bool {
	return a.Channel == "" && a.ThreadID == ""
}

// Task is the unit of classified, trackable work.
type Task struct {
	ID              string `yaml:"id" json:"id"`
	Intent          Intent `yaml:"intent" json:"intent"`
	AutonomyLevel   int    `yaml:"autonomy_level" json:"autonomy_level"`
	Summary         string `yaml:"summary" json:"summary"`
	OriginalMessage string `yaml:"original_message" json:"original_message"`

	// ExecutionPrompt is mutable: a clarifying reply appends a supplement
	// line rather than replacing it.
	ExecutionPrompt string `yaml:"execution_prompt" json:"execution_prompt"`

	// ClarifyQuestion present and non-empty at creation means the task
	// starts as pending instead of queued.
	ClarifyQuestion string `yaml:"clarify_question,omitempty" json:"clarify_question,omitempty"`

	Status Status `yaml:"status" json:"status"`
	Anchor Anchor `yaml:"anchor" json:"anchor"`

	// SessionID is set the first time the backend returns one and is
	// overwritten whenever a resume falls back to a fresh execution.
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`

	// Result holds the last textual outcome, overwritten on every settled
	// or waiting transition.
	Result  string  `yaml:"result,omitempty" json:"result,omitempty"`
	CostUSD float64 `yaml:"cost_usd" json:"cost_usd"`

	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// SupplementPrompt appends a clarifying reply to the execution prompt.
func (t *Task) SupplementPrompt(reply string) {
	t.ExecutionPrompt = t.ExecutionPrompt + "\n\n補足: " + reply
}
