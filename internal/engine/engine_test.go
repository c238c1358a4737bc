package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/concierge/internal/agent"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/registry"
)

type mockBackend struct {
	freshPrompts   []string
	resumeSessions []string
	freshFn        func(ctx context.Context, prompt string, hooks agent.Hooks) (*agent.BackendResult, error)
	resumeFn       func(ctx context.Context, sessionID, message string, hooks agent.Hooks) (*agent.BackendResult, error)
}

func (m *mockBackend) RunFresh(ctx context.Context, prompt string, hooks agent.Hooks) (*agent.BackendResult, error) {
	m.freshPrompts = append(m.freshPrompts, prompt)
	return m.freshFn(ctx, prompt, hooks)
}

func (m *mockBackend) RunResume(ctx context.Context, sessionID, message string, hooks agent.Hooks) (*agent.BackendResult, error) {
	m.resumeSessions = append(m.resumeSessions, sessionID)
	return m.resumeFn(ctx, sessionID, message, hooks)
}

func testConfig() model.Config {
	return model.Config{
		Timeouts: model.TimeoutsConfig{
			ResearchMin:   30,
			CodeChangeMin: 15,
			OrganizeMin:   10,
			QuestionMin:   5,
			ReminderMin:   5,
			OtherMin:      10,
		},
		Heuristics: model.HeuristicsConfig{
			FailurePhrases:    []string{"失敗しました"},
			FailureTailRunes:  500,
			QuestionThreshold: 3,
			PhaseKeywords:     map[string]int{"render": 3},
		},
	}
}

func newTestEngine(t *testing.T, b agent.Backend, reg *registry.Registry) *Engine {
	t.Helper()
	e, err := New(b, reg, testConfig(), log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	require.NoError(t, err)
	return e
}

func TestTimeoutFor(t *testing.T) {
	e := newTestEngine(t, &mockBackend{}, registry.New())

	cases := map[model.Intent]time.Duration{
		model.IntentResearch:   30 * time.Minute,
		model.IntentCodeChange: 15 * time.Minute,
		model.IntentOrganize:   10 * time.Minute,
		model.IntentQuestion:   5 * time.Minute,
		model.IntentReminder:   5 * time.Minute,
		model.IntentOther:      10 * time.Minute,
		model.Intent("bogus"):  10 * time.Minute,
	}
	for intent, want := range cases {
		assert.Equal(t, want, e.TimeoutFor(intent), "intent %s", intent)
	}
}

func TestRunFreshSuccess(t *testing.T) {
	reg := registry.New()
	b := &mockBackend{
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return &agent.BackendResult{Success: true, Text: "完了しました", SessionID: "sess-1", CostUSD: 0.12}, nil
		},
	}
	e := newTestEngine(t, b, reg)

	task := model.Task{ID: "t1", Intent: model.IntentOrganize}
	res, err := e.Run(context.Background(), task, ModeFresh, "prompt", nil)
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.True(t, res.Success)
	assert.False(t, res.NeedsInput)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, 0.12, res.CostUSD)
	assert.Equal(t, model.StatusCompleted, res.Status())
	assert.Equal(t, 0, reg.Len(), "handle must be unregistered after the call")
}

func TestRunFailureHeuristicOverridesBackendSuccess(t *testing.T) {
	b := &mockBackend{
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return &agent.BackendResult{Success: true, Text: "認証の問題で処理は失敗しました"}, nil
		},
	}
	e := newTestEngine(t, b, registry.New())

	res, err := e.Run(context.Background(), model.Task{ID: "t1"}, ModeFresh, "p", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, model.StatusFailed, res.Status())
}

func TestRunNeedsInput(t *testing.T) {
	b := &mockBackend{
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return &agent.BackendResult{Success: true, Text: "対象は？期限は？形式は？"}, nil
		},
	}
	e := newTestEngine(t, b, registry.New())

	res, err := e.Run(context.Background(), model.Task{ID: "t1"}, ModeFresh, "p", nil)
	require.NoError(t, err)
	assert.True(t, res.NeedsInput)
	assert.Equal(t, model.StatusWaiting, res.Status())
}

func TestRunResumeFallsBackToFresh(t *testing.T) {
	b := &mockBackend{
		resumeFn: func(_ context.Context, _, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return nil, agent.ErrResumeUnavailable
		},
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return &agent.BackendResult{Success: true, Text: "やり直しました", SessionID: "sess-new"}, nil
		},
	}
	e := newTestEngine(t, b, registry.New())

	task := model.Task{
		ID:              "t1",
		SessionID:       "sess-old",
		OriginalMessage: "明日の会議の準備をして",
		Result:          "資料を3点まとめました",
	}
	res, err := e.Run(context.Background(), task, ModeResume, "もう1点追加して", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"sess-old"}, b.resumeSessions)
	require.Len(t, b.freshPrompts, 1)
	prompt := b.freshPrompts[0]
	assert.Contains(t, prompt, "明日の会議の準備をして")
	assert.Contains(t, prompt, "資料を3点まとめました")
	assert.Contains(t, prompt, "もう1点追加して")
	assert.Equal(t, "sess-new", res.SessionID, "fallback session replaces the stale one")
	assert.True(t, res.Success)
}

func TestRunResumeWithoutSessionRunsFresh(t *testing.T) {
	b := &mockBackend{
		freshFn: func(_ context.Context, prompt string, _ agent.Hooks) (*agent.BackendResult, error) {
			return &agent.BackendResult{Success: true, Text: "done"}, nil
		},
	}
	e := newTestEngine(t, b, registry.New())

	_, err := e.Run(context.Background(), model.Task{ID: "t1"}, ModeResume, "input", nil)
	require.NoError(t, err)
	assert.Empty(t, b.resumeSessions)
	assert.Len(t, b.freshPrompts, 1)
}

func TestRunAborted(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	b := &mockBackend{
		freshFn: func(ctx context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newTestEngine(t, b, reg)

	done := make(chan RunResult, 1)
	go func() {
		res, err := e.Run(context.Background(), model.Task{ID: "t1"}, ModeFresh, "p", nil)
		require.NoError(t, err)
		done <- res
	}()

	<-started
	require.True(t, reg.Cancel("t1"), "handle must be registered during the call")

	select {
	case res := <-done:
		assert.True(t, res.Aborted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.False(t, reg.Cancel("t1"), "handle must be gone after the call")
}

func TestRunTimeoutResolvesToFailure(t *testing.T) {
	b := &mockBackend{
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	e := newTestEngine(t, b, registry.New())

	res, err := e.Run(context.Background(), model.Task{ID: "t1", Intent: model.IntentQuestion}, ModeFresh, "p", nil)
	require.NoError(t, err, "timeouts resolve into the result, not an error")
	assert.False(t, res.Success)
	assert.Contains(t, res.Result, "制限時間")
	assert.Contains(t, res.Result, "5")
}

func TestRunHardBackendError(t *testing.T) {
	backendDown := errors.New("backend unreachable")
	b := &mockBackend{
		freshFn: func(_ context.Context, _ string, _ agent.Hooks) (*agent.BackendResult, error) {
			return nil, backendDown
		},
	}
	e := newTestEngine(t, b, registry.New())

	_, err := e.Run(context.Background(), model.Task{ID: "t1"}, ModeFresh, "p", nil)
	assert.ErrorIs(t, err, backendDown)
}

func TestBuildFollowUpPromptTruncatesPriorResult(t *testing.T) {
	long := strings.Repeat("あ", 2000)
	task := model.Task{OriginalMessage: "依頼", Result: long}
	prompt := BuildFollowUpPrompt(task, "続けて")

	assert.Contains(t, prompt, "依頼")
	assert.Contains(t, prompt, "続けて")
	assert.Less(t, len([]rune(prompt)), 1200, "prior result must be truncated")
}
