// Package agent wraps the execution backend that actually runs prompts. The
// backend is a black box with a narrow contract: run a prompt (fresh or
// resuming a prior session), stream tool invocations to hooks, and report a
// textual result with billing info.
package agent

import (
	"context"
	"errors"
)

// ErrResumeUnavailable reports that the resume transport itself could not
// proceed (stale or unknown session), as opposed to a task-level failure.
// The engine recovers by falling back to a fresh execution.
var ErrResumeUnavailable = errors.New("resume_unavailable")

// ToolCall is one tool invocation observed during an execution.
type ToolCall struct {
	Name      string
	Arguments string
}

// Hooks exposes pre/post tool-invocation callbacks. Used only for progress
// reporting; nil funcs are skipped.
type Hooks struct {
	OnToolCall func(ToolCall)
}

// BackendResult is the outcome of one backend invocation.
type BackendResult struct {
	// Success reflects the backend's own verdict. The engine applies its
	// result-text heuristics on top of this; a true here is necessary but
	// not sufficient for the task to be considered successful.
	Success   bool
	Text      string
	SessionID string
	CostUSD   float64
	ToolCalls []ToolCall
}

type Backend interface {
	RunFresh(ctx context.Context, prompt string, hooks Hooks) (*BackendResult, error)
	RunResume(ctx context.Context, sessionID, message string, hooks Hooks) (*BackendResult, error)
}
