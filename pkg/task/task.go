// Package task implements a three-phase unit of work: before actions, primary
// actions and after actions, executed one at a time in registration order.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "tasklist/pkg/logx"
)

// ErrActionPanic is reported (wrapped) when an action panics.
var ErrActionPanic = errors.New("task: action panicked")

// Action is a single side-effecting step of a task.
type Action func(ctx context.Context) error

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the diagnostic logger. Tasks are silent by default.
func WithLogger(log logx.Logger) Option {
	return func(t *Task) { t.log = log }
}

// Task owns the ordered before/actions/after sequences of one schedule.
type Task struct {
	name        string
	haltOnError bool
	log         logx.Logger

	mu      sync.Mutex
	before  []Action
	actions []Action
	after   []Action
}

// New creates a Task. An empty name is replaced by a generated "Task-xxxxxxxx".
//
// With haltOnError the first failing action aborts the rest of the run,
// otherwise failures are logged and the run carries on.
func New(name string, haltOnError bool, opts ...Option) *Task {
	if strings.TrimSpace(name) == "" {
		name = "Task-" + uuid.NewString()[:8]
	}
	t := &Task{name: name, haltOnError: haltOnError}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.String("task", name))
	return t
}

// Name is fixed at construction; it also tags every log line of the task.
func (t *Task) Name() string { return t.name }

func (t *Task) HaltOnError() bool { return t.haltOnError }

// AddBeforeAction appends a to the before phase and returns the phase contents.
func (t *Task) AddBeforeAction(a Action) []Action { return t.add(&t.before, a) }

// AddAction appends a to the primary phase and returns the phase contents.
func (t *Task) AddAction(a Action) []Action { return t.add(&t.actions, a) }

// AddAfterAction appends a to the after phase and returns the phase contents.
func (t *Task) AddAfterAction(a Action) []Action { return t.add(&t.after, a) }

func (t *Task) BeforeActions() []Action { return t.list(&t.before) }
func (t *Task) Actions() []Action       { return t.list(&t.actions) }
func (t *Task) AfterActions() []Action  { return t.list(&t.after) }

func (t *Task) add(seq *[]Action, a Action) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a != nil {
		*seq = append(*seq, a)
	}
	return append([]Action(nil), (*seq)...)
}

func (t *Task) list(seq *[]Action) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Action(nil), (*seq)...)
}

// combined snapshots before ++ actions ++ after.
func (t *Task) combined() []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Action, 0, len(t.before)+len(t.actions)+len(t.after))
	out = append(out, t.before...)
	out = append(out, t.actions...)
	out = append(out, t.after...)
	return out
}

// Run executes every registered action in order, one at a time.
//
// The sequences are snapshotted when Run starts; actions registered while a
// run is executing only affect later runs. Run does not serialize against
// itself: two concurrent calls are two independent, overlapping executions.
//
// The returned error is nil when every action ran (halting policy: all
// succeeded; non-halting policy: all were attempted). With haltOnError the
// first failure is returned and later actions, including after actions, are
// skipped. A cancelled ctx stops the run before the next action.
func (t *Task) Run(ctx context.Context) error {
	steps := t.combined()
	start := time.Now()
	t.log.Debug("task executing", logx.Int("actions", len(steps)))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			t.log.Debug("task cancelled", logx.Int("step", i+1), logx.Err(err))
			return err
		}

		err := t.exec(ctx, step)
		if err == nil {
			continue
		}
		t.log.Debug("task action failed", logx.Int("step", i+1), logx.Int("of", len(steps)), logx.Err(err))
		if t.haltOnError {
			t.log.Debug("task halting on error", logx.Int("skipped", len(steps)-i-1))
			return fmt.Errorf("task %s: step %d/%d: %w", t.name, i+1, len(steps), err)
		}
		t.log.Warn("task action failed; continuing (halt_on_error=false)", logx.Int("step", i+1), logx.Err(err))
	}

	t.log.Debug("task finished", logx.Duration("took", time.Since(start)))
	return nil
}

// exec runs one action, converting a panic into an error.
func (t *Task) exec(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActionPanic, r)
			t.log.Error("task action panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return a(ctx)
}

// String summarizes the task for logs.
func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Task[%s] {before: %d actions, actions: %d actions, after: %d actions}",
		t.name, len(t.before), len(t.actions), len(t.after))
}
