package tasklist

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"tasklist/pkg/eventbus"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/task"
	"tasklist/pkg/trigger"
	"tasklist/pkg/trigger/triggertest"
)

// journal records labelled calls in order.
type journal struct {
	mu  sync.Mutex
	got []string
}

func (j *journal) action(label string) task.Action {
	return func(context.Context) error {
		j.mu.Lock()
		j.got = append(j.got, label)
		j.mu.Unlock()
		return nil
	}
}

func (j *journal) calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.got...)
}

func (j *journal) reset() {
	j.mu.Lock()
	j.got = nil
	j.mu.Unlock()
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestNewUsesDefaultSchedules(t *testing.T) {
	t.Parallel()
	l := New(Options{})

	want := []string{Daily, Monthly, Weekly}
	if got := keys(l.Schedules()); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("schedules = %v, want %v", got, want)
	}
	if got := keys(l.Tasks()); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
	for name, tk := range l.Tasks() {
		if tk.Name() != name {
			t.Errorf("task for %q is named %q", name, tk.Name())
		}
		if !tk.HaltOnError() {
			t.Errorf("task %q should halt on error by default", name)
		}
	}
}

func TestDefaultScheduleTable(t *testing.T) {
	t.Parallel()
	want := map[string]string{
		Daily:   "30 23 * * *",
		Weekly:  "30 23 * * 7",
		Monthly: "30 23 1 * *",
	}
	got := DefaultSchedules()
	if len(got) != len(want) {
		t.Fatalf("got %d schedules, want %d", len(got), len(want))
	}
	for k, expr := range want {
		if got[k].Expr() != expr {
			t.Errorf("%s = %q, want %q", k, got[k].Expr(), expr)
		}
	}

	// Callers get their own copy.
	got[Daily] = trigger.Cron("0 0 * * *")
	if DefaultSchedules()[Daily].Expr() != "30 23 * * *" {
		t.Fatal("DefaultSchedules returned a shared map")
	}
}

func TestCustomSchedules(t *testing.T) {
	t.Parallel()
	halt := false
	l := New(Options{
		Schedules:        map[string]trigger.Spec{"custom": trigger.Cron("*/5 * * * *")},
		HaltTasksOnError: &halt,
	})
	tasks := l.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	tk, ok := l.Task("custom")
	if !ok || tk.Name() != "custom" {
		t.Fatalf("Task(custom) = %v, %v", tk, ok)
	}
	if tk.HaltOnError() {
		t.Fatal("halt policy not propagated")
	}
	if _, ok := l.Task(Daily); ok {
		t.Fatal("custom table should not include defaults")
	}
}

func TestTasksReturnsCopy(t *testing.T) {
	t.Parallel()
	l := New(Options{})
	m := l.Tasks()
	delete(m, Daily)
	if _, ok := l.Task(Daily); !ok {
		t.Fatal("mutating Tasks() result changed the list")
	}
}

func TestBeforeEachRunsBeforeEveryTask(t *testing.T) {
	t.Parallel()
	var j journal
	l := New(Options{})
	l.BeforeEach(j.action("before"))
	l.AfterEach(j.action("after"))
	for _, name := range []string{Daily, Weekly, Monthly} {
		if err := l.Plan(name, j.action(name)); err != nil {
			t.Fatalf("Plan(%s): %v", name, err)
		}
	}

	var r triggertest.Registrar
	if err := l.Invoke(context.Background(), &r); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if r.Count() != 3 {
		t.Fatalf("registered %d triggers, want 3", r.Count())
	}

	for name, spec := range l.Schedules() {
		j.reset()
		if n := r.Fire(spec); n != 1 {
			t.Fatalf("Fire(%s) ran %d callbacks", name, n)
		}
		want := []string{"before", name, "after"}
		if got := j.calls(); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("%s: calls = %v, want %v", name, got, want)
		}
	}
}

func TestPlanRunsOnlyForItsSchedule(t *testing.T) {
	t.Parallel()
	var j journal
	l := New(Options{})
	if err := l.Plan(Weekly, j.action("backup")); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var r triggertest.Registrar
	if err := l.Invoke(context.Background(), &r); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	r.Fire(l.Schedules()[Daily])
	r.Fire(l.Schedules()[Monthly])
	if got := j.calls(); len(got) != 0 {
		t.Fatalf("other schedules ran the weekly plan: %v", got)
	}
	r.Fire(l.Schedules()[Weekly])
	if got := j.calls(); len(got) != 1 || got[0] != "backup" {
		t.Fatalf("calls = %v, want [backup]", got)
	}
}

func TestPlanUnknownSchedule(t *testing.T) {
	t.Parallel()
	l := New(Options{})
	err := l.Plan("hourly", func(context.Context) error { return nil })
	if !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("err = %v, want ErrUnknownSchedule", err)
	}
	for name, tk := range l.Tasks() {
		if n := len(tk.Actions()); n != 0 {
			t.Errorf("%s gained %d actions", name, n)
		}
	}
}

func TestHeartbeatLastWins(t *testing.T) {
	t.Parallel()
	var j journal
	l := New(Options{})
	l.Heartbeat(j.action("cb1"))
	l.Heartbeat(j.action("cb2"))

	var r triggertest.Registrar
	if err := l.Invoke(context.Background(), &r); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if r.Count() != 4 {
		t.Fatalf("registered %d triggers, want 4", r.Count())
	}
	if n := r.Fire(trigger.Cron(HeartbeatSpec)); n != 1 {
		t.Fatalf("heartbeat registered %d times", n)
	}
	if got := j.calls(); len(got) != 1 || got[0] != "cb2" {
		t.Fatalf("calls = %v, want [cb2]", got)
	}
}

func TestInvokeWithoutHeartbeat(t *testing.T) {
	t.Parallel()
	l := New(Options{})
	var r triggertest.Registrar
	if err := l.Invoke(context.Background(), &r); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	for _, s := range r.Specs() {
		if s.Expr() == HeartbeatSpec {
			t.Fatal("heartbeat registered without a callback")
		}
	}
}

func TestInvokeRegistrationError(t *testing.T) {
	t.Parallel()
	boom := errors.New("bad spec")
	l := New(Options{Schedules: map[string]trigger.Spec{"only": trigger.Cron("* * * * *")}})
	r := triggertest.Registrar{Err: boom}

	err := l.Invoke(context.Background(), &r)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if !strings.Contains(err.Error(), `"only"`) {
		t.Fatalf("error should name the schedule: %v", err)
	}
}

func TestInvokeMalformedSpecOnRealService(t *testing.T) {
	t.Parallel()
	l := New(Options{Schedules: map[string]trigger.Spec{"broken": trigger.Cron("99 * * * *")}})
	svc := trigger.New(trigger.Config{}, logx.Nop())
	if err := l.Invoke(context.Background(), svc); !errors.Is(err, trigger.ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestFailedTaskIsLoggedAndPublished(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	l := New(Options{Logger: logx.NewWriter(&buf, "debug"), Bus: bus})
	boom := errors.New("disk full")
	if err := l.Plan(Daily, func(context.Context) error { return boom }); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var r triggertest.Registrar
	if err := l.Invoke(context.Background(), &r); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	r.Fire(l.Schedules()[Daily])

	var types []string
	var failed eventbus.RunEvent
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == eventbus.TaskFailed {
				failed = ev.Data.(eventbus.RunEvent)
			}
		case <-timeout:
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.TaskStarted || types[1] != eventbus.TaskFailed {
		t.Fatalf("events = %v", types)
	}
	if failed.Schedule != Daily || !errors.Is(failed.Err, boom) {
		t.Fatalf("failed event = %+v", failed)
	}

	out := buf.String()
	for _, want := range []string{"scheduled tasks", "executing task", "task errored", "disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestSuccessfulTaskPublishesCompleted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	l := New(Options{Bus: bus})
	var r triggertest.Registrar
	_ = l.Invoke(context.Background(), &r)
	r.Fire(l.Schedules()[Monthly])

	<-events
	ev := <-events
	if ev.Type != eventbus.TaskCompleted {
		t.Fatalf("type = %s, want %s", ev.Type, eventbus.TaskCompleted)
	}
	if re := ev.Data.(eventbus.RunEvent); re.Task != Monthly || re.Err != nil {
		t.Fatalf("event = %+v", re)
	}
}

func TestTaskFiresThroughTriggerService(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	l := New(Options{Schedules: map[string]trigger.Spec{"soon": trigger.At(time.Now().Add(20 * time.Millisecond))}})
	_ = l.Plan("soon", func(context.Context) error { close(done); return nil })

	svc := trigger.New(trigger.Config{}, logx.Nop())
	svc.Start()
	defer svc.Stop(context.Background())
	if err := l.Invoke(context.Background(), svc); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("planned action did not run")
	}
}
