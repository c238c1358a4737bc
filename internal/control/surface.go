// Package control maps inbound chat events onto task lifecycle transitions:
// intake classification, pending-task rejection, clarify replies, abort
// requests, and post-settlement follow-up turns.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/concierge/internal/chat"
	"github.com/msageha/concierge/internal/classify"
	"github.com/msageha/concierge/internal/engine"
	"github.com/msageha/concierge/internal/events"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/registry"
	"github.com/msageha/concierge/internal/store"
)

// User-visible notices. The transport decides presentation; these are plain
// text bodies.
const (
	noticeRejected      = "承知しました。このタスクは中止します。"
	noticeClarifyAck    = "補足ありがとうございます。作業を開始します。"
	noticeStillQueued   = "現在順番待ちです。開始までしばらくお待ちください。"
	noticeStillRunning  = "現在実行中です。中止する場合は「中止」と返信してください。"
	noticeCancelled     = "実行中のタスクを中止しました。"
	noticeTooLate       = "すでに処理が終わっていたため、中止できませんでした。"
	noticeFollowUpBusy  = "前のやり取りをまだ処理しています。完了後にもう一度お送りください。"
	noticeInternalError = "申し訳ありません、処理中にエラーが発生しました。もう一度お試しください。"
)

// QueueTrigger wakes the queue processor after an enqueue.
type QueueTrigger interface {
	Trigger()
}

// Surface consumes decoded chat events and is the only component that talks
// back to the chat transport. Each event is handled independently; the task
// repository's compare-and-set transitions are the sole serialization.
type Surface struct {
	store      store.TaskStore
	classifier classify.Classifier
	engine     *engine.Engine
	registry   *registry.Registry
	transport  chat.Transport
	abort      *AbortMatcher

	queue QueueTrigger
	bus   *events.Bus

	intakeChannel  string
	negativeSignal string

	mu        sync.Mutex
	followUps map[model.Anchor]string

	dedup singleflight.Group

	logger   *log.Logger
	logLevel engine.LogLevel
}

func NewSurface(
	st store.TaskStore,
	classifier classify.Classifier,
	eng *engine.Engine,
	reg *registry.Registry,
	transport chat.Transport,
	cfg model.Config,
	logger *log.Logger,
	logLevel engine.LogLevel,
) *Surface {
	return &Surface{
		store:          st,
		classifier:     classifier,
		engine:         eng,
		registry:       reg,
		transport:      transport,
		abort:          NewAbortMatcher(cfg.Heuristics.AbortKeywords),
		intakeChannel:  cfg.Chat.IntakeChannel,
		negativeSignal: cfg.Chat.NegativeSignal,
		followUps:      make(map[model.Anchor]string),
		logger:         logger,
		logLevel:       logLevel,
	}
}

// SetQueue injects the queue trigger.
func (s *Surface) SetQueue(q QueueTrigger) {
	s.queue = q
}

// SetBus injects the event bus.
func (s *Surface) SetBus(b *events.Bus) {
	s.bus = b
}

// Abort exposes the matcher for config hot-reload.
func (s *Surface) Abort() *AbortMatcher {
	return s.abort
}

// HandleEvent routes one decoded inbound event. Events carrying the same ID
// are collapsed while one is in flight, absorbing at-least-once transport
// redelivery.
func (s *Surface) HandleEvent(ctx context.Context, ev ChatEvent) error {
	if ev.ID == "" {
		return s.dispatch(ctx, ev)
	}
	_, err, _ := s.dedup.Do(ev.ID, func() (interface{}, error) {
		return nil, s.dispatch(ctx, ev)
	})
	return err
}

func (s *Surface) dispatch(ctx context.Context, ev ChatEvent) error {
	switch ev.Kind {
	case EventMessage:
		return s.handleMessage(ctx, ev)
	case EventSignal:
		return s.handleSignal(ctx, ev)
	case EventReply:
		return s.handleReply(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind: %q", ev.Kind)
	}
}

// handleMessage runs intake: classify, create, signal, trigger.
func (s *Surface) handleMessage(ctx context.Context, ev ChatEvent) error {
	if s.intakeChannel != "" && ev.Channel != s.intakeChannel {
		s.log(engine.LogLevelDebug, "message outside intake channel=%s ignored", ev.Channel)
		return nil
	}

	cls, err := s.classifier.Classify(ctx, ev.Text)
	if err != nil {
		// No task exists yet; this is the one error category the user
		// sees as a plain failure message.
		s.log(engine.LogLevelError, "classification failed: %v", err)
		s.postThread(ctx, model.Anchor{Channel: ev.Channel, ThreadID: ev.MessageID}, noticeInternalError)
		return fmt.Errorf("classify: %w", err)
	}

	status := model.StatusQueued
	if cls.NeedsClarification() {
		status = model.StatusPending
	}
	task := model.Task{
		Intent:          model.NormalizeIntent(cls.Intent),
		AutonomyLevel:   cls.AutonomyLevel,
		Summary:         cls.Summary,
		OriginalMessage: ev.Text,
		ExecutionPrompt: cls.ExecutionPrompt,
		ClarifyQuestion: cls.ClarifyQuestion,
		Status:          status,
		Anchor:          model.Anchor{Channel: ev.Channel, ThreadID: ev.MessageID},
	}
	created, err := s.store.Create(ctx, task)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.log(engine.LogLevelInfo, "task created id=%s intent=%s status=%s", created.ID, created.Intent, created.Status)

	if status == model.StatusPending {
		s.postThread(ctx, created.Anchor, created.ClarifyQuestion)
		s.attachSignal(ctx, created.Anchor, chat.SignalAwaitingClarification)
	} else {
		s.attachSignal(ctx, created.Anchor, chat.SignalRunning)
		if s.queue != nil {
			s.queue.Trigger()
		}
	}

	s.publish(events.EventTaskCreated, created, "")
	return nil
}

// handleSignal rejects a pending task when the negative signal lands on its
// anchor. Every other signal kind and every other status is ignored.
func (s *Surface) handleSignal(ctx context.Context, ev ChatEvent) error {
	if ev.Signal != s.negativeSignal {
		return nil
	}
	anchor := model.Anchor{Channel: ev.Channel, ThreadID: ev.MessageID}
	task, err := s.store.FindInFlightByAnchor(ctx, anchor)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find task for signal: %w", err)
	}
	if task.Status != model.StatusPending {
		return nil
	}
	return s.rejectTask(ctx, *task, model.StatusPending)
}

// handleReply routes a thread reply by the state of the anchor's task, in
// priority order: pending, queued, running, mid-follow-up, then settled.
func (s *Surface) handleReply(ctx context.Context, ev ChatEvent) error {
	anchor := model.Anchor{Channel: ev.Channel, ThreadID: ev.ThreadID}
	isAbort := s.abort.Matches(ev.Text)

	task, err := s.store.FindInFlightByAnchor(ctx, anchor)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find task for reply: %w", err)
	}
	if err == nil {
		switch task.Status {
		case model.StatusPending:
			if isAbort {
				return s.rejectTask(ctx, *task, model.StatusPending)
			}
			return s.applyClarifyReply(ctx, *task, ev.Text)
		case model.StatusQueued:
			if isAbort {
				return s.rejectTask(ctx, *task, model.StatusQueued)
			}
			s.postThread(ctx, anchor, noticeStillQueued)
			return nil
		case model.StatusRunning:
			if isAbort {
				s.cancelRunning(ctx, task.ID, anchor)
				return nil
			}
			s.postThread(ctx, anchor, noticeStillRunning)
			return nil
		}
		return nil
	}

	// No in-flight task. An active follow-up turn still accepts aborts.
	s.mu.Lock()
	followUpID, midFollowUp := s.followUps[anchor]
	s.mu.Unlock()
	if midFollowUp {
		if isAbort {
			s.cancelRunning(ctx, followUpID, anchor)
		} else {
			s.postThread(ctx, anchor, noticeFollowUpBusy)
		}
		return nil
	}

	latest, err := s.store.LatestSettledByAnchor(ctx, anchor)
	if errors.Is(err, store.ErrNotFound) {
		s.log(engine.LogLevelDebug, "reply with no matching task channel=%s thread=%s", ev.Channel, ev.ThreadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find settled task for reply: %w", err)
	}
	return s.runFollowUp(ctx, *latest, ev.Text)
}

// applyClarifyReply supplements the execution prompt with the user's answer
// and promotes the task into the queue.
func (s *Surface) applyClarifyReply(ctx context.Context, task model.Task, reply string) error {
	task.SupplementPrompt(reply)
	ok, err := s.store.Transition(ctx, task.ID, model.StatusPending, store.Update{
		Status:          store.Ptr(model.StatusQueued),
		ExecutionPrompt: store.Ptr(task.ExecutionPrompt),
	})
	if err != nil {
		return fmt.Errorf("promote task %s: %w", task.ID, err)
	}
	if !ok {
		return nil
	}
	s.log(engine.LogLevelInfo, "task promoted id=%s", task.ID)
	s.swapSignal(ctx, task.Anchor, chat.SignalAwaitingClarification, chat.SignalRunning)
	s.postThread(ctx, task.Anchor, noticeClarifyAck)
	if s.queue != nil {
		s.queue.Trigger()
	}
	return nil
}

// rejectTask moves a not-yet-running task to rejected. A lost race means
// someone else already handled it, so no notice is posted.
func (s *Surface) rejectTask(ctx context.Context, task model.Task, expected model.Status) error {
	ok, err := s.store.Transition(ctx, task.ID, expected, store.Update{
		Status:      store.Ptr(model.StatusRejected),
		CompletedAt: store.Ptr(time.Now().UTC()),
	})
	if err != nil {
		return fmt.Errorf("reject task %s: %w", task.ID, err)
	}
	if !ok {
		return nil
	}
	s.log(engine.LogLevelInfo, "task rejected id=%s from=%s", task.ID, expected)
	s.swapSignal(ctx, task.Anchor, chat.SignalForStatus(expected), chat.SignalCancelled)
	s.postThread(ctx, task.Anchor, noticeRejected)
	s.publish(events.EventTaskCancelled, task, "")
	return nil
}

// cancelRunning signals the execution registry and reports whether the
// cancellation was actually delivered. The in-flight call settles the task;
// a missing handle means the call already finished.
func (s *Surface) cancelRunning(ctx context.Context, taskID string, anchor model.Anchor) {
	if s.registry.Cancel(taskID) {
		s.log(engine.LogLevelInfo, "cancel delivered id=%s", taskID)
		s.postThread(ctx, anchor, noticeCancelled)
		return
	}
	s.log(engine.LogLevelInfo, "cancel too late id=%s", taskID)
	s.postThread(ctx, anchor, noticeTooLate)
}

// runFollowUp executes one conversation turn against a settled task, outside
// the queue. The task row is reused: only status, result, and session mutate.
func (s *Surface) runFollowUp(ctx context.Context, task model.Task, reply string) error {
	anchor := task.Anchor
	s.mu.Lock()
	if _, busy := s.followUps[anchor]; busy {
		s.mu.Unlock()
		s.postThread(ctx, anchor, noticeFollowUpBusy)
		return nil
	}
	s.followUps[anchor] = task.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.followUps, anchor)
		s.mu.Unlock()
	}()

	prev := task.Status
	s.swapSignal(ctx, anchor, chat.SignalForStatus(prev), chat.SignalRunning)

	mode := engine.ModeFresh
	input := engine.BuildFollowUpPrompt(task, reply)
	if task.SessionID != "" {
		mode = engine.ModeResume
		input = reply
	}
	s.log(engine.LogLevelInfo, "follow-up started id=%s mode=%s", task.ID, mode)

	sink := func(line string) {
		s.postThread(ctx, anchor, line)
	}
	res, err := s.engine.Run(ctx, task, mode, input, sink)
	if err != nil {
		s.log(engine.LogLevelError, "follow-up failed id=%s error=%v", task.ID, err)
		s.settleFollowUp(ctx, task, prev, model.StatusFailed, store.Update{
			Status:      store.Ptr(model.StatusFailed),
			Result:      store.Ptr(noticeInternalError),
			CompletedAt: store.Ptr(time.Now().UTC()),
		}, noticeInternalError)
		return err
	}

	if res.Aborted {
		// The abort reply already produced a cancellation notice; the
		// task keeps its prior settled status.
		s.log(engine.LogLevelInfo, "follow-up aborted id=%s", task.ID)
		s.swapSignal(ctx, anchor, chat.SignalRunning, chat.SignalForStatus(prev))
		return nil
	}

	status := res.Status()
	notice := res.Result
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
	s.settleFollowUp(ctx, task, prev, status, upd, notice)
	return nil
}

func (s *Surface) settleFollowUp(ctx context.Context, task model.Task, prev, next model.Status, upd store.Update, notice string) {
	ok, err := s.store.Transition(ctx, task.ID, prev, upd)
	if err != nil || !ok {
		s.log(engine.LogLevelWarn, "follow-up settle skipped id=%s ok=%v err=%v", task.ID, ok, err)
		s.swapSignal(ctx, task.Anchor, chat.SignalRunning, chat.SignalForStatus(prev))
		return
	}
	s.log(engine.LogLevelInfo, "follow-up settled id=%s status=%s", task.ID, next)
	s.swapSignal(ctx, task.Anchor, chat.SignalRunning, chat.SignalForStatus(next))
	if notice != "" {
		s.postThread(ctx, task.Anchor, notice)
	}
	task.Status = next
	s.publish(events.EventTaskSettled, task, "")
}

// TaskStarted implements queue.Notifier. Queued and running share the same
// signal kind, so only the event bus observes the claim.
func (s *Surface) TaskStarted(_ context.Context, task model.Task) {
	s.publish(events.EventTaskStarted, task, "")
}

// TaskProgress implements queue.Notifier.
func (s *Surface) TaskProgress(ctx context.Context, task model.Task, line string) {
	s.postThread(ctx, task.Anchor, line)
	s.publish(events.EventTaskProgress, task, line)
}

// TaskSettled implements queue.Notifier: reflect the settled status on the
// anchor and post the outcome.
func (s *Surface) TaskSettled(ctx context.Context, task model.Task, res engine.RunResult) {
	s.swapSignal(ctx, task.Anchor, chat.SignalRunning, chat.SignalForStatus(task.Status))
	notice := task.Result
	if res.Aborted {
		notice = noticeCancelled
	}
	if notice != "" {
		s.postThread(ctx, task.Anchor, notice)
	}
	s.publish(events.EventTaskSettled, task, "")
}

func (s *Surface) attachSignal(ctx context.Context, anchor model.Anchor, kind chat.SignalKind) {
	if err := s.transport.AttachSignal(ctx, anchor.Channel, anchor.ThreadID, kind); err != nil {
		s.log(engine.LogLevelWarn, "attach signal %s failed: %v", kind, err)
	}
}

func (s *Surface) swapSignal(ctx context.Context, anchor model.Anchor, from, to chat.SignalKind) {
	if from == to {
		return
	}
	if err := s.transport.ClearSignal(ctx, anchor.Channel, anchor.ThreadID, from); err != nil {
		s.log(engine.LogLevelWarn, "clear signal %s failed: %v", from, err)
	}
	s.attachSignal(ctx, anchor, to)
}

func (s *Surface) postThread(ctx context.Context, anchor model.Anchor, text string) {
	if _, err := s.transport.PostMessage(ctx, anchor.Channel, anchor.ThreadID, text); err != nil {
		s.log(engine.LogLevelWarn, "post failed channel=%s thread=%s: %v", anchor.Channel, anchor.ThreadID, err)
	}
}

func (s *Surface) publish(t events.EventType, task model.Task, line string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id": task.ID,
		"intent":  string(task.Intent),
		"status":  string(task.Status),
		"channel": task.Anchor.Channel,
	}
	if line != "" {
		data["line"] = line
	}
	s.bus.Publish(t, data)
}

func (s *Surface) log(level engine.LogLevel, format string, args ...any) {
	if level < s.logLevel || s.logger == nil {
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
	s.logger.Printf("%s %s control: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
