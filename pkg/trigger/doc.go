// Package trigger turns schedule specs into recurring (cron) or one-shot
// callbacks.
//
// Consumers depend only on Registrar. Service is the robfig/cron backed
// implementation used by the daemon; triggertest provides a hand-fired fake.
package trigger

// Registrar registers fn to be called, with no arguments, every time spec
// fires. A malformed spec is reported synchronously. Registrations are
// independent of each other and may fire concurrently.
type Registrar interface {
	RegisterTrigger(spec Spec, fn func()) error
}
