package app

import (
	"fmt"
	"sort"

	"tasklist/internal/action"
	"tasklist/internal/config"
	"tasklist/pkg/eventbus"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/task"
	"tasklist/pkg/tasklist"
)

// buildTaskList turns the tasklist section into a TaskList with every
// configured action attached. hb, when non-nil, becomes the heartbeat.
func buildTaskList(cfg *config.Config, log logx.Logger, bus eventbus.Bus, hb task.Action) (*tasklist.TaskList, error) {
	specs, err := cfg.ScheduleSpecs()
	if err != nil {
		return nil, err
	}
	l := tasklist.New(tasklist.Options{
		Schedules:        specs,
		HaltTasksOnError: cfg.TaskList.HaltOnError,
		Logger:           log.With(logx.String("comp", "tasklist")),
		Bus:              bus,
	})

	alog := log.With(logx.String("comp", "action"))
	for i, ac := range cfg.TaskList.BeforeEach {
		c, err := action.FromConfig(fmt.Sprintf("tasklist.before_each[%d]", i), ac, alog)
		if err != nil {
			return nil, err
		}
		l.BeforeEach(c.Action())
	}
	for i, ac := range cfg.TaskList.AfterEach {
		c, err := action.FromConfig(fmt.Sprintf("tasklist.after_each[%d]", i), ac, alog)
		if err != nil {
			return nil, err
		}
		l.AfterEach(c.Action())
	}

	keys := make([]string, 0, len(cfg.TaskList.Plans))
	for k := range cfg.TaskList.Plans {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for i, ac := range cfg.TaskList.Plans[key] {
			c, err := action.FromConfig(fmt.Sprintf("tasklist.plans.%s[%d]", key, i), ac, alog)
			if err != nil {
				return nil, err
			}
			if err := l.Plan(key, c.Action()); err != nil {
				return nil, err
			}
		}
	}

	if hb != nil {
		l.Heartbeat(hb)
	}
	return l, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
