package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/msageha/concierge/internal/config"
	"github.com/msageha/concierge/internal/daemon"
	"github.com/msageha/concierge/internal/status"
	"github.com/msageha/concierge/internal/uds"
)

const version = "1.0.0"

const stateDirName = ".concierge"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "event":
		runEvent(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "version":
		fmt.Printf("concierge %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// findStateDir walks up from the working directory looking for .concierge/.
func findStateDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, stateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustStateDir() string {
	stateDir := findStateDir()
	if stateDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'concierge init' first.\n", stateDirName)
		os.Exit(1)
	}
	return stateDir
}

func loadConfig(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	return path, nil
}

func runInit(args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	stateDir := filepath.Join(target, stateDirName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", stateDir, err)
		os.Exit(1)
	}
	configPath := filepath.Join(stateDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", configPath)
		os.Exit(1)
	}
	if err := config.WriteDefault(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", stateDir)
}

func runDaemon(_ []string) {
	stateDir := mustStateDir()

	configPath, err := loadConfig(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	d, err := daemon.New(stateDir, configPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// runEvent forwards one chat event to the daemon. The payload is either the
// --json flag or stdin.
func runEvent(args []string) {
	fs := flag.NewFlagSet("event", flag.ExitOnError)
	jsonPayload := fs.String("json", "", "event payload as JSON (reads stdin when empty)")
	_ = fs.Parse(args)

	payload := []byte(*jsonPayload)
	if len(payload) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			os.Exit(1)
		}
		payload = data
	}

	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "invalid event JSON: %v\n", err)
		os.Exit(1)
	}

	stateDir := mustStateDir()
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.Send(&uds.Request{
		ProtocolVersion: uds.ProtocolVersion,
		Command:         uds.CommandEvent,
		Params:          raw,
	})
	exitOnResponse(resp, err)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "output as JSON")
	filter := fs.String("status", "", "filter by task status")
	_ = fs.Parse(args)

	stateDir := mustStateDir()
	if err := status.Run(stateDir, *filter, *jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: concierge cancel <task-id>")
		os.Exit(1)
	}

	stateDir := mustStateDir()
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandCancel, map[string]string{"task_id": args[0]})
	exitOnResponse(resp, err)
}

func runDown(_ []string) {
	stateDir := mustStateDir()
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(uds.CommandShutdown, nil)
	exitOnResponse(resp, err)
}

func exitOnResponse(resp *uds.Response, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	if len(resp.Data) > 0 {
		fmt.Println(string(resp.Data))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `concierge %s — conversational task orchestrator

Usage: concierge <command> [options]

Setup:
  init [dir]            Initialize %s/ with a default config

Daemon:
  daemon                Run the daemon process
  down                  Graceful daemon shutdown

Control (CLI → daemon):
  event [--json ...]    Forward a chat event (message/signal/reply)
  status [--json] [--status s]  Show daemon and task status
  cancel <task-id>      Reject or abort a task

Utilities:
  version               Show version
  help                  Show this help

`, version, stateDirName)
}
