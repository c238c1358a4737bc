// Package engine wraps the execution backend with per-intent timeouts, a
// cancellation scope in the execution registry, resume-with-fallback, and
// heuristic outcome classification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/msageha/concierge/internal/agent"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/registry"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Mode selects between a new backend session and continuing a stored one.
type Mode string

const (
	ModeFresh  Mode = "fresh"
	ModeResume Mode = "resume"
)

// RunResult is the engine's verdict on one execution. Callers must check
// Aborted before interpreting Success or NeedsInput.
type RunResult struct {
	Success    bool
	NeedsInput bool
	Result     string
	SessionID  string
	CostUSD    float64
	Aborted    bool
}

// Status derives the settled task status from the heuristics, in precedence
// order: needs-input wins over success/failure.
func (r RunResult) Status() model.Status {
	if r.NeedsInput {
		return model.StatusWaiting
	}
	if r.Success {
		return model.StatusCompleted
	}
	return model.StatusFailed
}

type Engine struct {
	backend  agent.Backend
	registry *registry.Registry
	outcome  *OutcomeClassifier

	mu            sync.RWMutex
	timeouts      model.TimeoutsConfig
	phaseKeywords map[string]int

	logger   *log.Logger
	logLevel LogLevel
}

func New(backend agent.Backend, reg *registry.Registry, cfg model.Config, logger *log.Logger, logLevel LogLevel) (*Engine, error) {
	outcome, err := NewOutcomeClassifier(cfg.Heuristics)
	if err != nil {
		return nil, err
	}
	return &Engine{
		backend:       backend,
		registry:      reg,
		outcome:       outcome,
		timeouts:      cfg.Timeouts,
		phaseKeywords: cfg.Heuristics.PhaseKeywords,
		logger:        logger,
		logLevel:      logLevel,
	}, nil
}

// Reload swaps the tunable heuristic tables and timeouts.
func (e *Engine) Reload(timeouts model.TimeoutsConfig, h model.HeuristicsConfig) error {
	if err := e.outcome.Reload(h); err != nil {
		return err
	}
	e.mu.Lock()
	e.timeouts = timeouts
	e.phaseKeywords = h.PhaseKeywords
	e.mu.Unlock()
	return nil
}

// Outcome exposes the classifier for components that share its tables.
func (e *Engine) Outcome() *OutcomeClassifier {
	return e.outcome
}

// TimeoutFor returns the execution timeout for an intent.
func (e *Engine) TimeoutFor(intent model.Intent) time.Duration {
	e.mu.RLock()
	t := e.timeouts
	e.mu.RUnlock()

	minutes := 0
	switch intent {
	case model.IntentResearch:
		minutes = t.ResearchMin
	case model.IntentCodeChange:
		minutes = t.CodeChangeMin
	case model.IntentOrganize:
		minutes = t.OrganizeMin
	case model.IntentQuestion:
		minutes = t.QuestionMin
	case model.IntentReminder:
		minutes = t.ReminderMin
	default:
		minutes = t.OtherMin
	}
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// Run executes one conversation turn for the task. In ModeFresh, input is
// the prompt to execute; in ModeResume it is the user's new message for the
// stored session. The backend call is bounded by the per-intent timeout and
// registered in the execution registry for the duration of the call.
//
// A non-nil error is reserved for unexpected backend failures; heuristic
// failures, timeouts, and cancellations all resolve into the RunResult.
func (e *Engine) Run(ctx context.Context, task model.Task, mode Mode, input string, sink ProgressSink) (RunResult, error) {
	handle, err := e.registry.Register(ctx, task.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("register execution: %w", err)
	}
	defer e.registry.Unregister(task.ID)

	timeout := e.TimeoutFor(task.Intent)
	runCtx, cancel := context.WithTimeout(handle.Context(), timeout)
	defer cancel()

	e.mu.RLock()
	keywords := e.phaseKeywords
	e.mu.RUnlock()
	tracker := newPhaseTracker(keywords, sink)
	hooks := agent.Hooks{OnToolCall: tracker.Observe}

	var res *agent.BackendResult
	var runErr error

	if mode == ModeResume && task.SessionID != "" {
		e.log(LogLevelDebug, "run_resume task=%s session=%s timeout=%s", task.ID, task.SessionID, timeout)
		res, runErr = e.backend.RunResume(runCtx, task.SessionID, input, hooks)
		if errors.Is(runErr, agent.ErrResumeUnavailable) {
			// The resume transport failed, not the task. Rebuild
			// context and start over in a fresh session.
			e.log(LogLevelWarn, "resume_unavailable task=%s session=%s, falling back to fresh", task.ID, task.SessionID)
			res, runErr = e.backend.RunFresh(runCtx, BuildFollowUpPrompt(task, input), hooks)
		}
	} else {
		e.log(LogLevelDebug, "run_fresh task=%s mode=%s timeout=%s", task.ID, mode, timeout)
		res, runErr = e.backend.RunFresh(runCtx, input, hooks)
	}

	if handle.Cancelled() {
		// Cancellation fired mid-call; all other fields are
		// best-effort.
		e.log(LogLevelInfo, "run_aborted task=%s phase=%d", task.ID, tracker.Phase())
		out := RunResult{Aborted: true}
		if res != nil {
			out.Result = res.Text
			out.SessionID = res.SessionID
			out.CostUSD = res.CostUSD
		}
		return out, nil
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			e.log(LogLevelWarn, "run_timeout task=%s intent=%s after=%s", task.ID, task.Intent, timeout)
			return RunResult{
				Success: false,
				Result:  fmt.Sprintf("実行が制限時間（%d分）を超えたため中断しました", int(timeout.Minutes())),
			}, nil
		}
		e.log(LogLevelError, "run_failed task=%s error=%v", task.ID, runErr)
		return RunResult{}, runErr
	}

	out := RunResult{
		Result:    res.Text,
		SessionID: res.SessionID,
		CostUSD:   res.CostUSD,
	}
	out.NeedsInput = e.outcome.NeedsInput(res.Text)
	out.Success = res.Success && !e.outcome.IndicatesFailure(res.Text)

	e.log(LogLevelInfo, "run_done task=%s success=%v needs_input=%v phase=%d cost=%.4f",
		task.ID, out.Success, out.NeedsInput, tracker.Phase(), out.CostUSD)
	return out, nil
}

const followUpResultTail = 1000

// BuildFollowUpPrompt reconstructs conversation context for a fresh backend
// session: the original request, a truncated tail of the prior result, and
// the user's new message.
func BuildFollowUpPrompt(task model.Task, reply string) string {
	result := task.Result
	runes := []rune(result)
	if len(runes) > followUpResultTail {
		result = "…" + string(runes[len(runes)-followUpResultTail:])
	}

	var b strings.Builder
	b.WriteString("以前の依頼の続きです。\n\n")
	b.WriteString("## 元の依頼\n")
	b.WriteString(task.OriginalMessage)
	b.WriteString("\n\n## 前回の結果\n")
	b.WriteString(result)
	b.WriteString("\n\n## 新しいメッセージ\n")
	b.WriteString(reply)
	return b.String()
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
