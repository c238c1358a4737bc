// Package status implements the `concierge status` subcommand: it queries
// the daemon over the control socket and renders a task table.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/concierge/internal/uds"
)

type Snapshot struct {
	Daemon DaemonStatus `json:"daemon"`
	Tasks  []TaskRow    `json:"tasks,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Project string `json:"project,omitempty"`
}

// TaskRow is the wire shape of one task in a status response.
type TaskRow struct {
	ID        string    `json:"id"`
	Intent    string    `json:"intent"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// Run queries the daemon and prints the snapshot.
func Run(stateDir string, statusFilter string, jsonOutput bool) error {
	snap := Snapshot{}

	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandStatus, map[string]string{"status": statusFilter})
	if err != nil {
		snap.Daemon = DaemonStatus{Running: false}
	} else if resp.Success {
		if err := json.Unmarshal(resp.Data, &snap); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		snap.Daemon.Running = true
	} else {
		return fmt.Errorf("status request failed: %s", resp.Error.Message)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Print(Format(snap))
	return nil
}

// Format renders a snapshot as a human-readable table.
func Format(snap Snapshot) string {
	var b strings.Builder

	if !snap.Daemon.Running {
		b.WriteString("daemon: not running\n")
		return b.String()
	}
	if snap.Daemon.Project != "" {
		fmt.Fprintf(&b, "daemon: running (project: %s)\n", snap.Daemon.Project)
	} else {
		b.WriteString("daemon: running\n")
	}

	if len(snap.Tasks) == 0 {
		b.WriteString("no tasks\n")
		return b.String()
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%-28s %-12s %-10s %-8s %s\n", "ID", "INTENT", "STATUS", "COST", "SUMMARY")
	for _, t := range snap.Tasks {
		fmt.Fprintf(&b, "%-28s %-12s %-10s $%-7.3f %s\n",
			t.ID, t.Intent, t.Status, t.CostUSD, truncate(t.Summary, 40))
	}
	return b.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
