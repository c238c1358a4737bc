package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAuditSize caps the live audit file before rotation (50MB).
	DefaultMaxAuditSize = 50 * 1024 * 1024
	auditExtension      = ".jsonl"
	archiveDirName      = "archive"
)

// AuditEntry is one line of the append-only task audit trail.
type AuditEntry struct {
	EntryID   string                 `json:"entry_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Intent    string                 `json:"intent,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// AuditLogger appends task lifecycle events to a JSONL file, rotating into
// an archive directory when the file exceeds maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
}

func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditSize
	}
	l := &AuditLogger{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes one audit line for a bus event.
func (l *AuditLogger) Record(ev Event) error {
	entry := AuditEntry{
		EntryID:   uuid.NewString(),
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Data:      ev.Data,
	}
	if id, ok := ev.Data["task_id"].(string); ok {
		entry.TaskID = id
	}
	if intent, ok := ev.Data["intent"].(string); ok {
		entry.Intent = intent
	}
	if status, ok := ev.Data["status"].(string); ok {
		entry.Status = status
	}
	return l.write(entry)
}

func (l *AuditLogger) write(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	archiveDir := filepath.Join(filepath.Dir(l.path), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return err
	}

	base := filepath.Base(l.path)
	stem := base[:len(base)-len(auditExtension)]
	archiveName := fmt.Sprintf("%s.%s%s", stem, time.Now().Format("20060102_150405.000000000"), auditExtension)
	if err := os.Rename(l.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return err
	}
	return l.open()
}

// AttachTo subscribes the audit logger to every task event type on the bus.
// Returns a function that detaches all subscriptions.
func (l *AuditLogger) AttachTo(bus *Bus) func() {
	types := []EventType{
		EventTaskCreated,
		EventTaskStarted,
		EventTaskProgress,
		EventTaskSettled,
		EventTaskCancelled,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(ev Event) {
			_ = l.Record(ev)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Path returns the live audit file path.
func (l *AuditLogger) Path() string {
	return l.path
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
