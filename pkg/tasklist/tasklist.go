// Package tasklist binds named schedules to tasks and fires each task when its
// schedule triggers.
package tasklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tasklist/pkg/eventbus"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/task"
	"tasklist/pkg/trigger"
)

// ErrUnknownSchedule is returned by Plan for a key that has no task.
var ErrUnknownSchedule = errors.New("tasklist: unknown schedule")

// HeartbeatSpec is the fixed once-per-minute heartbeat trigger.
const HeartbeatSpec = "* * * * *"

// Built-in schedule names.
const (
	Daily   = "daily"
	Weekly  = "weekly"
	Monthly = "monthly"
)

// DefaultSchedules returns a fresh copy of the built-in schedule table:
// 23:30 every day, every Sunday, and on the first of the month.
func DefaultSchedules() map[string]trigger.Spec {
	return map[string]trigger.Spec{
		Daily:   trigger.Cron("30 23 * * *"),
		Weekly:  trigger.Cron("30 23 * * 7"),
		Monthly: trigger.Cron("30 23 1 * *"),
	}
}

// Options configures New. The zero value is valid.
type Options struct {
	// Schedules maps schedule names to trigger specs. Nil selects DefaultSchedules.
	Schedules map[string]trigger.Spec
	// HaltTasksOnError applies to every task. Nil means true.
	HaltTasksOnError *bool

	Logger logx.Logger
	// Bus, when set, receives task and heartbeat run events.
	Bus eventbus.Bus
}

// TaskList owns one Task per schedule. The set of schedules is fixed at
// construction.
type TaskList struct {
	schedules map[string]trigger.Spec
	tasks     map[string]*task.Task
	names     []string // sorted keys, for deterministic registration and logs

	log logx.Logger
	bus eventbus.Bus

	heartbeat task.Action
}

func New(opts Options) *TaskList {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	schedules := opts.Schedules
	if schedules == nil {
		schedules = DefaultSchedules()
	}
	halt := true
	if opts.HaltTasksOnError != nil {
		halt = *opts.HaltTasksOnError
	}

	l := &TaskList{
		schedules: schedules,
		tasks:     make(map[string]*task.Task, len(schedules)),
		names:     make([]string, 0, len(schedules)),
		log:       log,
		bus:       opts.Bus,
	}
	for name := range schedules {
		l.tasks[name] = task.New(name, halt, task.WithLogger(log))
		l.names = append(l.names, name)
	}
	sort.Strings(l.names)
	return l
}

// Schedules returns the schedule table the list was built from.
func (l *TaskList) Schedules() map[string]trigger.Spec { return l.schedules }

// Tasks returns a copy of the schedule name → task mapping.
func (l *TaskList) Tasks() map[string]*task.Task {
	out := make(map[string]*task.Task, len(l.tasks))
	for k, v := range l.tasks {
		out[k] = v
	}
	return out
}

func (l *TaskList) Task(name string) (*task.Task, bool) {
	t, ok := l.tasks[name]
	return t, ok
}

// Heartbeat sets the callback fired every minute once Invoke runs. A later
// call replaces the previous callback.
func (l *TaskList) Heartbeat(a task.Action) { l.heartbeat = a }

// Plan adds a to the primary actions of the task for scheduleKey.
func (l *TaskList) Plan(scheduleKey string, a task.Action) error {
	t, ok := l.tasks[scheduleKey]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, scheduleKey)
	}
	t.AddAction(a)
	return nil
}

// BeforeEach adds a to the before phase of every task.
func (l *TaskList) BeforeEach(a task.Action) {
	for _, name := range l.names {
		l.tasks[name].AddBeforeAction(a)
	}
}

// AfterEach adds a to the after phase of every task.
func (l *TaskList) AfterEach(a task.Action) {
	for _, name := range l.names {
		l.tasks[name].AddAfterAction(a)
	}
}

// Invoke registers every task, and the heartbeat when set, with r. Fired
// tasks run under ctx; their outcome is logged and published, never returned.
//
// The first registration error is returned and no further schedules are
// registered. Invoke must be called once: a second call registers every
// schedule again and each firing then runs its task twice.
func (l *TaskList) Invoke(ctx context.Context, r trigger.Registrar) error {
	for _, name := range l.names {
		spec := l.schedules[name]
		t := l.tasks[name]

		l.log.Debug("scheduling task", logx.String("task", t.Name()), logx.String("spec", spec.String()))
		if err := r.RegisterTrigger(spec, l.fire(ctx, name, t)); err != nil {
			return fmt.Errorf("tasklist: schedule %q: %w", name, err)
		}
	}

	if hb := l.heartbeat; hb != nil {
		if err := r.RegisterTrigger(trigger.Cron(HeartbeatSpec), l.beat(ctx, hb)); err != nil {
			return fmt.Errorf("tasklist: heartbeat: %w", err)
		}
	}

	l.log.Info("scheduled tasks", logx.Int("count", len(l.names)), logx.Bool("heartbeat", l.heartbeat != nil))
	return nil
}

func (l *TaskList) fire(ctx context.Context, schedule string, t *task.Task) func() {
	return func() {
		start := time.Now()
		l.log.Debug("executing task", logx.String("task", t.Name()))
		l.publish(eventbus.TaskStarted, eventbus.RunEvent{Schedule: schedule, Task: t.Name(), Started: start})

		err := t.Run(ctx)
		ev := eventbus.RunEvent{Schedule: schedule, Task: t.Name(), Started: start, Duration: time.Since(start), Err: err}
		if err != nil {
			l.log.Debug("task errored", logx.String("task", t.Name()), logx.Err(err), logx.Duration("took", ev.Duration))
			l.publish(eventbus.TaskFailed, ev)
			return
		}
		l.log.Debug("task completed successfully", logx.String("task", t.Name()), logx.Duration("took", ev.Duration))
		l.publish(eventbus.TaskCompleted, ev)
	}
}

func (l *TaskList) beat(ctx context.Context, hb task.Action) func() {
	return func() {
		start := time.Now()
		err := hb(ctx)
		if err != nil {
			l.log.Warn("heartbeat failed", logx.Err(err))
		}
		l.publish(eventbus.HeartbeatFired, eventbus.RunEvent{Started: start, Duration: time.Since(start), Err: err})
	}
}

func (l *TaskList) publish(typ string, ev eventbus.RunEvent) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
