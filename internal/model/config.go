package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Store      StoreConfig      `yaml:"store"`
	Chat       ChatConfig       `yaml:"chat"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Backend    BackendConfig    `yaml:"backend"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
}

type StoreConfig struct {
	// Backend selects the task repository implementation: "memory" or
	// "postgres".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

type ChatConfig struct {
	// IntakeChannel is the channel whose new messages create tasks.
	IntakeChannel string `yaml:"intake_channel"`
	// NegativeSignal is the status-signal name treated as a rejection of a
	// pending task (e.g. "thumbsdown").
	NegativeSignal string `yaml:"negative_signal"`
}

type ClassifierConfig struct {
	// Command is the subprocess invoked with the raw user text on stdin;
	// it must print a JSON classification on stdout.
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type BackendConfig struct {
	// Command is the agent CLI executable (e.g. "claude").
	Command string `yaml:"command"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
	WorkDir   string   `yaml:"work_dir"`
}

// TimeoutsConfig holds per-intent execution timeouts in minutes. Zero values
// fall back to the built-in defaults (research=30, code_change=15,
// organize=10, question=5, reminder=5, other=10).
type TimeoutsConfig struct {
	ResearchMin   int `yaml:"research_min"`
	CodeChangeMin int `yaml:"code_change_min"`
	OrganizeMin   int `yaml:"organize_min"`
	QuestionMin   int `yaml:"question_min"`
	ReminderMin   int `yaml:"reminder_min"`
	OtherMin      int `yaml:"other_min"`
}

// HeuristicsConfig holds the tunable outcome-classification tables. These are
// hot-reloaded by the daemon when the config file changes.
type HeuristicsConfig struct {
	// FailurePhrases are scanned for in the trailing window of a result
	// text; a match marks the execution as failed even though the backend
	// call returned normally. Entries are matched literally except ones
	// prefixed with "re:", which are compiled as case-insensitive regexps.
	FailurePhrases []string `yaml:"failure_phrases"`
	// FailureTailRunes bounds the scan to the conclusion of the result.
	FailureTailRunes int `yaml:"failure_tail_runes"`
	// QuestionThreshold is the number of question marks at or above which
	// a result is treated as asking for input.
	QuestionThreshold int `yaml:"question_threshold"`
	// AbortKeywords are matched exactly (after trimming trailing
	// punctuation, case-insensitively for Latin entries) against thread
	// replies to detect stop requests.
	AbortKeywords []string `yaml:"abort_keywords"`
	// PhaseKeywords maps tool-argument keywords to progress phases 1..3.
	PhaseKeywords map[string]int `yaml:"phase_keywords"`
}

type DaemonConfig struct {
	// StateDir holds the lock file, socket, and logs.
	StateDir           string `yaml:"state_dir"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
