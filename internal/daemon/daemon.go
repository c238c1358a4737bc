// Package daemon composes the concierge runtime: task store, execution
// engine, queue processor, control surface, event bus, and the control
// socket, plus lifecycle management around them.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/msageha/concierge/internal/agent"
	"github.com/msageha/concierge/internal/chat"
	"github.com/msageha/concierge/internal/classify"
	"github.com/msageha/concierge/internal/config"
	"github.com/msageha/concierge/internal/control"
	"github.com/msageha/concierge/internal/engine"
	"github.com/msageha/concierge/internal/events"
	"github.com/msageha/concierge/internal/lock"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/queue"
	"github.com/msageha/concierge/internal/registry"
	"github.com/msageha/concierge/internal/status"
	"github.com/msageha/concierge/internal/store"
	"github.com/msageha/concierge/internal/store/memory"
	"github.com/msageha/concierge/internal/store/postgres"
	"github.com/msageha/concierge/internal/uds"
)

// Daemon is the long-running concierge process.
type Daemon struct {
	stateDir   string
	configPath string
	cfg        model.Config
	logLevel   engine.LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	store     store.TaskStore
	registry  *registry.Registry
	engine    *engine.Engine
	surface   *control.Surface
	processor *queue.Processor
	bus       *events.Bus
	audit     *events.AuditLogger
	detach    func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon logging into stateDir/logs/daemon.log. configPath is
// watched for hot-reload when non-empty.
func New(stateDir, configPath string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(stateDir, configPath, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir, configPath string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	logger := log.New(w, "", 0)
	logLevel := engine.ParseLogLevel(cfg.Logging.Level)

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	backend := agent.NewCLIBackend(cfg.Backend)
	eng, err := engine.New(backend, reg, cfg, logger, logLevel)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	classifier, err := classify.NewCLIClassifier(cfg.Classifier)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build classifier: %w", err)
	}

	transport := chat.NewLocalTransport(logger)
	surface := control.NewSurface(st, classifier, eng, reg, transport, cfg, logger, logLevel)

	processor := queue.NewProcessor(st, eng, logger, logLevel)
	processor.SetNotifier(surface)
	surface.SetQueue(processor)

	bus := events.NewBus(256)
	surface.SetBus(bus)

	audit, err := events.NewAuditLogger(filepath.Join(stateDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build audit logger: %w", err)
	}
	detach := audit.AttachTo(bus)

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		stateDir:   stateDir,
		configPath: configPath,
		cfg:        cfg,
		logLevel:   logLevel,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(stateDir, "daemon.lock")),
		server:     uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		store:      st,
		registry:   reg,
		engine:     eng,
		surface:    surface,
		processor:  processor,
		bus:        bus,
		audit:      audit,
		detach:     detach,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func openStore(cfg model.StoreConfig) (store.TaskStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		return postgres.NewStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// start brings up the lock, socket, and background loops without blocking
// on signals.
func (d *Daemon) start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(engine.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log(engine.LogLevelInfo, "control socket listening on %s", filepath.Join(d.stateDir, uds.DefaultSocketName))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processor.Start(d.ctx)
	}()

	if d.configPath != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := config.Watch(d.ctx, d.configPath, d.applyConfig); err != nil {
				d.log(engine.LogLevelError, "config watch failed: %v", err)
			}
		}()
	}

	// Catch queued tasks left over from a previous run.
	d.processor.Trigger()
	d.log(engine.LogLevelInfo, "daemon ready")
	return nil
}

// applyConfig hot-reloads the tunable tables; topology (store backend,
// channels) stays fixed until restart.
func (d *Daemon) applyConfig(cfg model.Config) {
	if err := d.engine.Reload(cfg.Timeouts, cfg.Heuristics); err != nil {
		d.log(engine.LogLevelError, "config reload rejected: %v", err)
		return
	}
	d.surface.Abort().Reload(cfg.Heuristics.AbortKeywords)
	d.log(engine.LogLevelInfo, "config reloaded")
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CommandEvent, d.handleEvent)
	d.server.Handle(uds.CommandStatus, d.handleStatus)
	d.server.Handle(uds.CommandCancel, d.handleCancel)

	d.server.Handle(uds.CommandShutdown, func(*uds.Request) *uds.Response {
		d.log(engine.LogLevelInfo, "shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// handleEvent accepts one chat event and processes it asynchronously. Each
// event gets its own goroutine; serialization happens in the queue and the
// store's conditional transitions, not here.
func (d *Daemon) handleEvent(req *uds.Request) *uds.Response {
	ev, err := control.DecodeEvent(req.Params)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.surface.HandleEvent(d.ctx, ev); err != nil {
			d.log(engine.LogLevelError, "event %s failed: %v", ev.ID, err)
		}
	}()
	return uds.SuccessResponse(map[string]string{"status": "accepted"})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params struct {
		Status string `json:"status,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	tasks, err := d.store.List(d.ctx, store.Filter{Status: model.Status(params.Status), Limit: 50})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	snap := status.Snapshot{
		Daemon: status.DaemonStatus{Running: true, Project: d.cfg.Project.Name},
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, status.TaskRow{
			ID:        t.ID,
			Intent:    string(t.Intent),
			Status:    string(t.Status),
			Summary:   t.Summary,
			CostUSD:   t.CostUSD,
			CreatedAt: t.CreatedAt,
		})
	}
	return uds.SuccessResponse(snap)
}

// handleCancel serves `concierge cancel <id>`: pre-flight tasks are
// rejected directly, running tasks are signalled through the registry.
func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id required")
	}

	task, err := d.store.Get(d.ctx, params.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("task not found: %s", params.TaskID))
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	switch task.Status {
	case model.StatusPending, model.StatusQueued:
		ok, err := d.store.Transition(d.ctx, task.ID, task.Status, store.Update{
			Status:      store.Ptr(model.StatusRejected),
			CompletedAt: store.Ptr(time.Now().UTC()),
		})
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		if !ok {
			return uds.ErrorResponse(uds.ErrCodeTooLate, "task already moved on")
		}
		d.log(engine.LogLevelInfo, "task rejected via control socket id=%s", task.ID)
		return uds.SuccessResponse(map[string]string{"status": "rejected"})
	case model.StatusRunning:
		if d.registry.Cancel(task.ID) {
			return uds.SuccessResponse(map[string]string{"status": "cancelling"})
		}
		return uds.ErrorResponse(uds.ErrCodeTooLate, "execution already finished")
	default:
		return uds.ErrorResponse(uds.ErrCodeTooLate, fmt.Sprintf("task is already %s", task.Status))
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(engine.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log(engine.LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(engine.LogLevelInfo, "shutdown started")

		d.cancel()
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.cfg.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(engine.LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(engine.LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		if d.detach != nil {
			d.detach()
		}
		d.bus.Close()
		d.audit.Close()
		d.store.Close()
		d.fileLock.Unlock()
		d.log(engine.LogLevelInfo, "daemon stopped")
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

func (d *Daemon) log(level engine.LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
