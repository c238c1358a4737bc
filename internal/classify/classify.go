// Package classify defines the natural-language classifier boundary. The
// classifier itself is an external collaborator; this package carries its
// contract and a subprocess adapter.
package classify

import (
	"context"

	"github.com/msageha/concierge/internal/model"
)

// Classification is the classifier's verdict on a raw user message. A
// present, non-empty ClarifyQuestion is the sole signal that the task starts
// as pending instead of queued.
type Classification struct {
	Intent          model.Intent `json:"intent"`
	AutonomyLevel   int          `json:"autonomy_level"`
	Summary         string       `json:"summary"`
	ExecutionPrompt string       `json:"execution_prompt"`
	Reasoning       string       `json:"reasoning"`
	ClarifyQuestion string       `json:"clarify_question,omitempty"`
}

// NeedsClarification reports whether the task should start pending.
func (c Classification) NeedsClarification() bool {
	return c.ClarifyQuestion != ""
}

type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}
