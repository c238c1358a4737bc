// Package queue drains queued tasks through the engine, strictly one at a
// time. Concurrency comes from chat intake and the control socket; the
// semaphore guarantees a single drain loop regardless of how many triggers
// arrive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/concierge/internal/engine"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/store"
)

// Runner executes one conversation turn for a task. Satisfied by
// *engine.Engine.
type Runner interface {
	Run(ctx context.Context, task model.Task, mode engine.Mode, input string, sink engine.ProgressSink) (engine.RunResult, error)
}

// Notifier receives lifecycle callbacks for claimed tasks. All methods are
// called from the drain goroutine; implementations must not block on the
// queue itself.
type Notifier interface {
	TaskStarted(ctx context.Context, task model.Task)
	TaskProgress(ctx context.Context, task model.Task, line string)
	TaskSettled(ctx context.Context, task model.Task, res engine.RunResult)
}

const defaultPollInterval = 30 * time.Second

// Processor owns the single-worker drain loop.
type Processor struct {
	store    store.TaskStore
	runner   Runner
	notifier Notifier

	sem     *semaphore.Weighted
	trigger chan struct{}

	pollInterval time.Duration
	logger       *log.Logger
	logLevel     engine.LogLevel
}

func NewProcessor(st store.TaskStore, runner Runner, logger *log.Logger, logLevel engine.LogLevel) *Processor {
	return &Processor{
		store:        st,
		runner:       runner,
		sem:          semaphore.NewWeighted(1),
		trigger:      make(chan struct{}, 1),
		pollInterval: defaultPollInterval,
		logger:       logger,
		logLevel:     logLevel,
	}
}

// SetNotifier injects the lifecycle callback sink.
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetPollInterval overrides the fallback sweep interval.
func (p *Processor) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// Trigger wakes the drain loop. Never blocks; a pending wake-up already
// covers any number of new tasks.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until ctx is cancelled. The periodic sweep
// catches tasks enqueued while a drain was already in flight.
func (p *Processor) Start(ctx context.Context) {
	p.log(engine.LogLevelInfo, "processor started (poll=%s)", p.pollInterval)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log(engine.LogLevelInfo, "processor stopped")
			return
		case <-p.trigger:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims and runs queued tasks until the queue is empty. The
// semaphore makes re-entrant calls no-ops, so at most one task runs at any
// moment.
func (p *Processor) drain(ctx context.Context) {
	if !p.sem.TryAcquire(1) {
		return
	}
	defer p.sem.Release(1)

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.store.ClaimOldestQueued(ctx)
		if errors.Is(err, store.ErrNoQueuedTasks) {
			return
		}
		if err != nil {
			p.log(engine.LogLevelError, "claim failed: %v", err)
			return
		}
		p.process(ctx, *task)
	}
}

// process runs a single claimed task and writes the outcome back. One
// task's failure never stops the drain loop.
func (p *Processor) process(ctx context.Context, task model.Task) {
	p.log(engine.LogLevelInfo, "task started id=%s intent=%s", task.ID, task.Intent)
	if p.notifier != nil {
		p.notifier.TaskStarted(ctx, task)
	}

	sink := func(line string) {
		if p.notifier != nil {
			p.notifier.TaskProgress(ctx, task, line)
		}
	}

	res, err := p.runner.Run(ctx, task, engine.ModeFresh, task.ExecutionPrompt, sink)
	if err != nil {
		p.log(engine.LogLevelError, "task run failed id=%s error=%v", task.ID, err)
		res = engine.RunResult{
			Success: false,
			Result:  fmt.Sprintf("実行中にエラーが発生しました: %v", err),
		}
	}

	status := res.Status()
	if res.Aborted {
		// A cancellation landed mid-call; the task is discarded, not
		// failed.
		status = model.StatusRejected
	}

	upd := store.Update{
		Status:      store.Ptr(status),
		Result:      store.Ptr(res.Result),
		CompletedAt: store.Ptr(time.Now().UTC()),
	}
	if res.SessionID != "" {
		upd.SessionID = store.Ptr(res.SessionID)
	}
	if res.CostUSD > 0 {
		upd.CostUSD = store.Ptr(res.CostUSD)
	}

	ok, err := p.store.Transition(ctx, task.ID, model.StatusRunning, upd)
	if err != nil {
		p.log(engine.LogLevelError, "settle failed id=%s error=%v", task.ID, err)
		return
	}
	if !ok {
		// Someone else already moved the task off running.
		p.log(engine.LogLevelWarn, "settle lost race id=%s", task.ID)
		return
	}

	task.Status = status
	task.Result = res.Result
	if res.SessionID != "" {
		task.SessionID = res.SessionID
	}
	p.log(engine.LogLevelInfo, "task settled id=%s status=%s", task.ID, status)
	if p.notifier != nil {
		p.notifier.TaskSettled(ctx, task, res)
	}
}

func (p *Processor) log(level engine.LogLevel, format string, args ...any) {
	if level < p.logLevel || p.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case engine.LogLevelDebug:
		levelStr = "DEBUG"
	case engine.LogLevelWarn:
		levelStr = "WARN"
	case engine.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s queue: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
