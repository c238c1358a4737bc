package daemon

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/concierge/internal/config"
	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/status"
	"github.com/msageha/concierge/internal/store"
	"github.com/msageha/concierge/internal/uds"
)

func testDaemonConfig() model.Config {
	cfg := config.Default()
	cfg.Chat.IntakeChannel = "C1"
	cfg.Classifier.Command = []string{"/bin/cat"}
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Logging.Level = "debug"
	return cfg
}

func startTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	stateDir := t.TempDir()
	var buf bytes.Buffer
	d, err := newDaemon(stateDir, "", testDaemonConfig(), &buf, nil)
	require.NoError(t, err)
	require.NoError(t, d.start())
	t.Cleanup(d.Shutdown)
	return d, stateDir
}

func TestDaemonPing(t *testing.T) {
	_, stateDir := startTestDaemon(t)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestDaemonStatusListsTasks(t *testing.T) {
	d, stateDir := startTestDaemon(t)

	_, err := d.store.Create(d.ctx, model.Task{
		Intent:  model.IntentResearch,
		Summary: "調査",
		Status:  model.StatusQueued,
	})
	require.NoError(t, err)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "research", snap.Tasks[0].Intent)
	assert.Equal(t, "concierge", snap.Daemon.Project)
}

func TestDaemonCancelPendingTask(t *testing.T) {
	d, stateDir := startTestDaemon(t)

	task, err := d.store.Create(d.ctx, model.Task{Status: model.StatusPending})
	require.NoError(t, err)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandCancel, map[string]string{"task_id": task.ID})
	require.NoError(t, err)
	require.True(t, resp.Success, "error: %+v", resp.Error)

	got, err := d.store.Get(d.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
}

func TestDaemonCancelUnknownTask(t *testing.T) {
	_, stateDir := startTestDaemon(t)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandCancel, map[string]string{"task_id": "task_0000000001_deadbeef"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}

func TestDaemonCancelSettledTaskTooLate(t *testing.T) {
	d, stateDir := startTestDaemon(t)

	task, err := d.store.Create(d.ctx, model.Task{Status: model.StatusCompleted})
	require.NoError(t, err)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandCancel, map[string]string{"task_id": task.ID})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeTooLate, resp.Error.Code)
}

func TestDaemonEventValidation(t *testing.T) {
	_, stateDir := startTestDaemon(t)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandEvent, map[string]string{"kind": "bogus"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestDaemonEventOutsideIntakeAccepted(t *testing.T) {
	d, stateDir := startTestDaemon(t)

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandEvent, map[string]string{
		"id":         "ev1",
		"kind":       "message",
		"channel":    "C-other",
		"message_id": "m1",
		"text":       "hi",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, "delivery is acknowledged even when intake ignores it")

	time.Sleep(50 * time.Millisecond)
	tasks, err := d.store.List(d.ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDaemonSecondInstanceFailsLock(t *testing.T) {
	d, stateDir := startTestDaemon(t)
	_ = d

	var buf bytes.Buffer
	second, err := newDaemon(stateDir, "", testDaemonConfig(), &buf, nil)
	require.NoError(t, err)
	err = second.start()
	require.Error(t, err, "second daemon in the same state dir must fail the lock")
	second.cancel()
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	d, stateDir := startTestDaemon(t)
	d.Shutdown()
	d.Shutdown()

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(200 * time.Millisecond)
	_, err := client.SendCommand(uds.CommandPing, nil)
	assert.Error(t, err, "socket must be gone after shutdown")
}
