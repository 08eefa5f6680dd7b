package task

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "tasklist/pkg/logx"
)

// recorder collects the order in which actions ran.
type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) push(n int) Action {
	return func(context.Context) error {
		r.mu.Lock()
		r.got = append(r.got, n)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) pushErr(n int, err error) Action {
	return func(ctx context.Context) error {
		_ = r.push(n)(ctx)
		return err
	}
}

func (r *recorder) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewGeneratesName(t *testing.T) {
	t.Parallel()
	a := New("", true)
	b := New("", true)
	if !strings.HasPrefix(a.Name(), "Task") {
		t.Fatalf("generated name %q should start with Task", a.Name())
	}
	if a.Name() == b.Name() {
		t.Fatalf("generated names should differ, both %q", a.Name())
	}
	if got := New("T", false).Name(); got != "T" {
		t.Fatalf("name = %q, want T", got)
	}
}

func TestAddActionReturnsSequence(t *testing.T) {
	t.Parallel()
	task := New("", true)

	if got := len(task.AddAction(func(context.Context) error { return nil })); got != 1 {
		t.Fatalf("len after first add = %d, want 1", got)
	}
	if got := len(task.Actions()); got != 1 {
		t.Fatalf("Actions() len = %d, want 1", got)
	}
	if got := len(task.AddAction(func(context.Context) error { return nil })); got != 2 {
		t.Fatalf("len after second add = %d, want 2", got)
	}
	if got := len(task.Actions()); got != 2 {
		t.Fatalf("Actions() must not mutate, len = %d", got)
	}
	if got := len(task.AddAction(nil)); got != 2 {
		t.Fatalf("nil action must not be registered, len = %d", got)
	}
}

func TestSameActionRegisteredTwiceRunsTwice(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	task := New("dup", true)
	a := rec.push(7)
	task.AddAction(a)
	task.AddAction(a)

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.order(); !equalInts(got, []int{7, 7}) {
		t.Fatalf("order = %v, want [7 7]", got)
	}
}

func TestRunPhaseOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	task := New("", true)

	// Registration order across phases must not matter.
	task.AddBeforeAction(rec.push(1))
	task.AddAfterAction(rec.push(3))
	task.AddAction(rec.push(2))

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.order(); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("order = %v, want [1 2 3]", got)
	}
}

func TestRunHaltPolicy(t *testing.T) {
	t.Parallel()
	oops := errors.New("oops")

	tests := []struct {
		name    string
		halt    bool
		want    []int
		wantErr bool
	}{
		{name: "halt stops the chain", halt: true, want: []int{1, 2}, wantErr: true},
		{name: "no halt runs after actions", halt: false, want: []int{1, 2, 3}, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			task := New("WillHalt", tt.halt)
			task.AddBeforeAction(rec.push(1))
			task.AddAction(rec.pushErr(2, oops))
			task.AddAfterAction(rec.push(3))

			err := task.Run(context.Background())
			if tt.wantErr {
				if !errors.Is(err, oops) {
					t.Fatalf("Run error = %v, want wrapping %v", err, oops)
				}
			} else if err != nil {
				t.Fatalf("Run error = %v, want nil", err)
			}
			if got := rec.order(); !equalInts(got, tt.want) {
				t.Fatalf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunFailureInBeforeSkipsEverything(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	task := New("", true)
	task.AddBeforeAction(rec.pushErr(1, errors.New("setup failed")))
	task.AddAction(rec.push(2))
	task.AddAfterAction(rec.push(3))

	if err := task.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := rec.order(); !equalInts(got, []int{1}) {
		t.Fatalf("order = %v, want [1]", got)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	rec := &recorder{}
	task := New("panicky", false, WithLogger(logx.NewWriter(&buf, "debug")))
	task.AddAction(func(context.Context) error { panic("kaboom") })
	task.AddAfterAction(rec.push(3))

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("non-halting run should succeed, got %v", err)
	}
	if got := rec.order(); !equalInts(got, []int{3}) {
		t.Fatalf("after action should still run, order = %v", got)
	}
	if !strings.Contains(buf.String(), "task action panic") {
		t.Fatalf("panic was not logged: %q", buf.String())
	}

	halting := New("panicky-halt", true)
	halting.AddAction(func(context.Context) error { panic("kaboom") })
	if err := halting.Run(context.Background()); !errors.Is(err, ErrActionPanic) {
		t.Fatalf("Run error = %v, want ErrActionPanic", err)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	task := New("", false)
	task.AddAction(func(context.Context) error {
		cancel()
		return nil
	})
	task.AddAfterAction(rec.push(3))

	if err := task.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if got := rec.order(); len(got) != 0 {
		t.Fatalf("after action ran on cancelled context: %v", got)
	}
}

func TestRunSnapshotsSequences(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	task := New("", true)
	task.AddAction(func(context.Context) error {
		task.AddAfterAction(rec.push(9))
		return nil
	})

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.order(); len(got) != 0 {
		t.Fatalf("action added mid-run should wait for the next run, got %v", got)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.order(); !equalInts(got, []int{9}) {
		t.Fatalf("order = %v, want [9]", got)
	}
}

func TestConcurrentRegistrationAndRun(t *testing.T) {
	t.Parallel()
	task := New("", false)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			task.AddAction(func(context.Context) error { return nil })
		}()
		go func() {
			defer wg.Done()
			_ = task.Run(context.Background())
		}()
	}
	wg.Wait()
	if got := len(task.Actions()); got != 8 {
		t.Fatalf("actions = %d, want 8", got)
	}
}

func TestRunsOverlap(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	task := New("slow", false)
	task.AddAction(func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = task.Run(context.Background())
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			close(release)
			wg.Wait()
			t.Fatalf("only %d of 2 runs entered the action; Run serialized against itself", i)
		}
	}
	close(release)
	wg.Wait()
}

func TestNameTagsLogsStringAndError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	task := New("nightly", true, WithLogger(logx.NewWriter(&buf, "debug")))
	task.AddAction(func(context.Context) error { return errors.New("boom") })

	if got := task.Name(); got != "nightly" {
		t.Fatalf("Name() = %q, want nightly", got)
	}
	err := task.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "task nightly:") {
		t.Fatalf("Run error = %v, want it to name the task", err)
	}
	if !strings.HasPrefix(task.String(), "Task[nightly]") {
		t.Fatalf("String() = %q", task.String())
	}
	if !strings.Contains(buf.String(), "task=nightly") {
		t.Fatalf("log lines not tagged with the task name:\n%s", buf.String())
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	task := New("daily", true)
	task.AddBeforeAction(func(context.Context) error { return nil })
	task.AddAction(func(context.Context) error { return nil })
	task.AddAction(func(context.Context) error { return nil })

	want := "Task[daily] {before: 1 actions, actions: 2 actions, after: 0 actions}"
	if got := task.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if !task.HaltOnError() {
		t.Fatal("HaltOnError() = false, want true")
	}
}
