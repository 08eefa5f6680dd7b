package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasklist/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and structured
// attrs describing the new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.timezone", newCfg.Trigger.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.TaskList, newCfg.TaskList) {
		changed = append(changed, "tasklist")
		attrs = append(attrs,
			logx.Bool("tasklist.halt_on_error", newCfg.TaskList.HaltOnErrorOrDefault()),
			logx.Int("tasklist.schedules", len(newCfg.TaskList.Schedules)),
			logx.Int("tasklist.plans", countActions(newCfg.TaskList.Plans)),
		)
		if d := diffKeys(oldCfg.TaskList.Schedules, newCfg.TaskList.Schedules); len(d) > 0 {
			attrs = append(attrs, logx.String("tasklist.schedules_changed", strings.Join(d, ",")))
		}
	}

	if !reflect.DeepEqual(oldCfg.Heartbeat, newCfg.Heartbeat) {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.Bool("heartbeat.systemd_watchdog", newCfg.Heartbeat.SystemdWatchdog),
			logx.Bool("heartbeat.command_set", newCfg.Heartbeat.Command != nil),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func countActions(m map[string][]ActionConfig) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

// diffKeys lists names that were added, removed or re-specified.
func diffKeys(oldM, newM map[string]string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for k, ov := range oldM {
		seen[k] = struct{}{}
		if nv, ok := newM[k]; !ok || nv != ov {
			out = append(out, k)
		}
	}
	for k := range newM {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
