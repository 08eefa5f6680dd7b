package config

// Config is the daemon configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Trigger   TriggerConfig   `json:"trigger"`
	TaskList  TaskListConfig  `json:"tasklist"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TriggerConfig controls the trigger service.
type TriggerConfig struct {
	// Timezone is an IANA name used to evaluate cron specs. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskListConfig describes the schedules and the actions bound to them.
//
// Example:
//
//	"tasklist": {
//	  "schedules": { "nightly": "0 2 * * *" },
//	  "before_each": [ { "name": "mount", "command": ["mount", "/backup"] } ],
//	  "plans": { "nightly": [ { "command": ["restic", "backup", "/srv"], "timeout": "2h" } ] }
//	}
type TaskListConfig struct {
	// HaltOnError is a pointer so an omitted key keeps the default (true).
	HaltOnError *bool `json:"halt_on_error,omitempty"`

	// Schedules maps schedule names to trigger specs (cron text or a timestamp).
	// When omitted the built-in daily/weekly/monthly table is used.
	Schedules map[string]string `json:"schedules,omitempty"`

	BeforeEach []ActionConfig            `json:"before_each,omitempty"`
	AfterEach  []ActionConfig            `json:"after_each,omitempty"`
	Plans      map[string][]ActionConfig `json:"plans,omitempty"`
}

type HeartbeatConfig struct {
	Enabled bool `json:"enabled"`
	// SystemdWatchdog sends WATCHDOG=1 on every heartbeat.
	SystemdWatchdog bool `json:"systemd_watchdog,omitempty"`
	// Command runs on every heartbeat when set.
	Command *ActionConfig `json:"command,omitempty"`
}

// ActionConfig is an external command run as a task step.
type ActionConfig struct {
	Name    string   `json:"name,omitempty"`
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Timeout is a Go duration string (e.g. "30s", "2h"). Empty or "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
}

// HaltOnErrorOrDefault reports the effective halt policy.
func (c TaskListConfig) HaltOnErrorOrDefault() bool {
	if c.HaltOnError == nil {
		return true
	}
	return *c.HaltOnError
}
