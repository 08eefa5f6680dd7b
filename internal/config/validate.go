package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tasklist/pkg/tasklist"
	"tasklist/pkg/trigger"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks the parts of cfg that cannot be expressed in the JSON schema.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}

	var errs []error
	specs, err := cfg.ScheduleSpecs()
	if err != nil {
		errs = append(errs, err)
	}

	for i, a := range cfg.TaskList.BeforeEach {
		errs = append(errs, validateAction(fmt.Sprintf("tasklist.before_each[%d]", i), a))
	}
	for i, a := range cfg.TaskList.AfterEach {
		errs = append(errs, validateAction(fmt.Sprintf("tasklist.after_each[%d]", i), a))
	}
	for _, key := range sortedKeys(cfg.TaskList.Plans) {
		if specs != nil {
			if _, ok := specs[key]; !ok {
				errs = append(errs, fmt.Errorf("tasklist.plans.%s: no schedule named %q", key, key))
			}
		}
		for i, a := range cfg.TaskList.Plans[key] {
			errs = append(errs, validateAction(fmt.Sprintf("tasklist.plans.%s[%d]", key, i), a))
		}
	}
	if c := cfg.Heartbeat.Command; c != nil {
		errs = append(errs, validateAction("heartbeat.command", *c))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ScheduleSpecs parses tasklist.schedules. An omitted table yields the
// built-in defaults.
func (c *Config) ScheduleSpecs() (map[string]trigger.Spec, error) {
	if c.TaskList.Schedules == nil {
		return tasklist.DefaultSchedules(), nil
	}
	out := make(map[string]trigger.Spec, len(c.TaskList.Schedules))
	var errs []error
	for _, name := range sortedKeys(c.TaskList.Schedules) {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("tasklist.schedules: empty schedule name"))
			continue
		}
		spec, err := trigger.ParseSpec(c.TaskList.Schedules[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("tasklist.schedules.%s: %w", name, err))
			continue
		}
		out[name] = spec
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// ActionTimeout returns the parsed timeout of a; zero means none.
func ActionTimeout(path string, a ActionConfig) (time.Duration, error) {
	return ParseDurationField(path+".timeout", a.Timeout)
}

func validateAction(path string, a ActionConfig) error {
	if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
		return fmt.Errorf("%s.command: must name a program", path)
	}
	if _, err := ActionTimeout(path, a); err != nil {
		return err
	}
	for _, kv := range a.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("%s.env: %q is not KEY=VALUE", path, kv)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
