package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	logx "tasklist/pkg/logx"
)

// EntryInfo describes one registration.
type EntryInfo struct {
	ID    uint64
	Spec  string
	Once  bool
	Fired bool
	Next  time.Time
	Prev  time.Time
}

type Snapshot struct {
	Running  bool
	Timezone string
	Entries  []EntryInfo
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		it := EntryInfo{ID: d.id, Spec: d.spec.String(), Once: d.spec.IsOnce(), Fired: d.fired}
		switch {
		case d.sched == nil && !d.fired:
			it.Next = d.spec.Time()
		case s.c != nil && d.entryID != 0:
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Entries = append(snap.Entries, it)
	}
	return snap
}

// cronLogger routes robfig/cron's own chatter to logx. Info is demoted to
// trace: the engine logs every wake-up.
type cronLogger struct{ log logx.Logger }

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
