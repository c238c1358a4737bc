package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/msageha/concierge/internal/model"
)

// CLIClassifier shells out to a configured command, feeding the raw user
// text on stdin and expecting a JSON Classification on stdout.
type CLIClassifier struct {
	command []string
	timeout time.Duration
}

func NewCLIClassifier(cfg model.ClassifierConfig) (*CLIClassifier, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("classifier command not configured")
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CLIClassifier{
		command: cfg.Command,
		timeout: timeout,
	}, nil
}

func (c *CLIClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Classification{}, fmt.Errorf("run classifier: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	var out Classification
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Classification{}, fmt.Errorf("parse classifier output: %w", err)
	}

	out.Intent = model.NormalizeIntent(out.Intent)
	if out.ExecutionPrompt == "" {
		out.ExecutionPrompt = text
	}
	return out, nil
}
