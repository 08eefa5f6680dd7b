// Package triggertest provides test doubles for the trigger package.
package triggertest

import (
	"sync"

	"tasklist/pkg/trigger"
)

// Registrar is an in-memory trigger.Registrar whose schedules fire only when a
// test calls Fire or FireAll. Callbacks run synchronously on the caller's
// goroutine.
type Registrar struct {
	// Err, when set, is returned by RegisterTrigger and nothing is recorded.
	Err error

	mu   sync.Mutex
	regs []registration
}

type registration struct {
	spec trigger.Spec
	fn   func()
}

// Compile-time interface check.
var _ trigger.Registrar = (*Registrar)(nil)

// RegisterTrigger implements trigger.Registrar.
func (r *Registrar) RegisterTrigger(spec trigger.Spec, fn func()) error {
	if r.Err != nil {
		return r.Err
	}
	if fn == nil {
		return trigger.ErrNilCallback
	}
	r.mu.Lock()
	r.regs = append(r.regs, registration{spec: spec, fn: fn})
	r.mu.Unlock()
	return nil
}

// Fire invokes every callback registered under spec and returns how many ran.
func (r *Registrar) Fire(spec trigger.Spec) int {
	fns := r.callbacks(func(s trigger.Spec) bool { return s.Equal(spec) })
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// FireAll invokes every registered callback once, in registration order.
func (r *Registrar) FireAll() int {
	fns := r.callbacks(func(trigger.Spec) bool { return true })
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Specs returns the registered specs in registration order.
func (r *Registrar) Specs() []trigger.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trigger.Spec, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.spec)
	}
	return out
}

// Count returns the number of registrations.
func (r *Registrar) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

func (r *Registrar) callbacks(match func(trigger.Spec) bool) []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []func()
	for _, reg := range r.regs {
		if match(reg.spec) {
			out = append(out, reg.fn)
		}
	}
	return out
}
