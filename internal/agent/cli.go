package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/msageha/concierge/internal/model"
)

// CLIBackend drives an agent CLI (claude-style) as the execution backend.
// Invocations use stream-json output so tool calls can be observed as they
// happen.
type CLIBackend struct {
	command   string
	extraArgs []string
	workDir   string
}

func NewCLIBackend(cfg model.BackendConfig) *CLIBackend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &CLIBackend{
		command:   command,
		extraArgs: cfg.ExtraArgs,
		workDir:   cfg.WorkDir,
	}
}

func (b *CLIBackend) RunFresh(ctx context.Context, prompt string, hooks Hooks) (*BackendResult, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	return b.run(ctx, args, hooks, false)
}

func (b *CLIBackend) RunResume(ctx context.Context, sessionID, message string, hooks Hooks) (*BackendResult, error) {
	args := []string{"-p", message, "--resume", sessionID, "--output-format", "stream-json", "--verbose"}
	return b.run(ctx, args, hooks, true)
}

// streamEvent is the subset of the CLI's NDJSON events we care about.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
}

func (b *CLIBackend) run(ctx context.Context, args []string, hooks Hooks, resume bool) (*BackendResult, error) {
	args = append(args, b.extraArgs...)
	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Dir = b.workDir
	// Strip the nested-session marker so the CLI does not refuse to run
	// inside another agent session.
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, env)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w", err)
	}

	res := &BackendResult{}
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, c := range ev.Message.Content {
				if c.Type != "tool_use" {
					continue
				}
				call := ToolCall{Name: c.Name, Arguments: string(c.Input)}
				res.ToolCalls = append(res.ToolCalls, call)
				if hooks.OnToolCall != nil {
					hooks.OnToolCall(call)
				}
			}
		case "result":
			sawResult = true
			res.Text = ev.Result
			res.SessionID = ev.SessionID
			res.CostUSD = ev.TotalCostUSD
			res.Success = ev.Subtype == "success" && !ev.IsError
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil {
		if resume && isResumeUnavailable(stderr.String()) {
			return nil, ErrResumeUnavailable
		}
		if sawResult {
			// The CLI reported a result before exiting non-zero;
			// treat it as an unsuccessful run, not a hard error.
			res.Success = false
			return res, nil
		}
		return nil, fmt.Errorf("backend exited: %w (stderr: %s)",
			waitErr, strings.TrimSpace(stderr.String()))
	}
	if !sawResult {
		return nil, fmt.Errorf("backend produced no result event")
	}
	return res, nil
}

// isResumeUnavailable distinguishes a broken resume transport from a normal
// task-level failure.
func isResumeUnavailable(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"no conversation found",
		"session not found",
		"unknown session",
		"invalid session",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
