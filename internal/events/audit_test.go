package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLoggerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	ev := Event{
		Type:      EventTaskSettled,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"task_id": "task_0000000001_deadbeef",
			"intent":  "research",
			"status":  "completed",
		},
	}
	if err := logger.Record(ev); err != nil {
		t.Fatalf("Failed to record entry: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit file: %v", err)
	}
	var entry AuditEntry
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("Failed to unmarshal entry: %v", err)
	}

	if entry.EventType != string(EventTaskSettled) {
		t.Errorf("EventType mismatch: got %s", entry.EventType)
	}
	if entry.TaskID != "task_0000000001_deadbeef" {
		t.Errorf("TaskID mismatch: got %s", entry.TaskID)
	}
	if entry.Status != "completed" {
		t.Errorf("Status mismatch: got %s", entry.Status)
	}
	if entry.EntryID == "" {
		t.Error("EntryID was not assigned")
	}
}

func TestAuditLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(path, 1024)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	data := map[string]interface{}{
		"task_id": "task_0000000001_deadbeef",
		"line":    "This entry carries enough text to push the file over the rotation threshold quickly",
	}
	rotated := false
	for i := 0; i < 100; i++ {
		if err := logger.Record(Event{Type: EventTaskProgress, Data: data}); err != nil {
			t.Fatalf("Failed to record entry %d: %v", i, err)
		}
		if files, err := os.ReadDir(filepath.Join(dir, archiveDirName)); err == nil && len(files) > 0 {
			rotated = true
			break
		}
	}
	if !rotated {
		t.Error("Rotation did not occur despite exceeding max size")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Live audit file missing after rotation")
	}
}

func TestAuditLoggerAttachTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	bus := NewBus(10)
	defer bus.Close()
	detach := logger.AttachTo(bus)
	defer detach()

	bus.Publish(EventTaskCreated, map[string]interface{}{"task_id": "task_a"})
	bus.Publish(EventTaskSettled, map[string]interface{}{"task_id": "task_a", "status": "failed"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if countEntries(t, path) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 audit entries, got %d", countEntries(t, path))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuditLoggerReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create first logger: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := first.Record(Event{Type: EventTaskCreated, Data: map[string]interface{}{"n": i}}); err != nil {
			t.Fatalf("Failed to record: %v", err)
		}
	}
	first.Close()

	second, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create second logger: %v", err)
	}
	defer second.Close()
	for i := 3; i < 6; i++ {
		if err := second.Record(Event{Type: EventTaskCreated, Data: map[string]interface{}{"n": i}}); err != nil {
			t.Fatalf("Failed to record: %v", err)
		}
	}

	if got := countEntries(t, path); got != 6 {
		t.Errorf("Entry count mismatch: got %d, want 6", got)
	}
}

func countEntries(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var entry AuditEntry
		if err := decoder.Decode(&entry); err != nil {
			t.Fatalf("Failed to decode entry: %v", err)
		}
		count++
	}
	return count
}
