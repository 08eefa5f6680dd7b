package trigger

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasklist/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Paris"; empty means Local
}

type registration struct {
	id      uint64
	spec    Spec
	sched   cron.Schedule // nil for one-shot specs
	fn      func()
	entryID cron.EntryID
	fired   bool // one-shot only
}

// Service fires registered callbacks from a robfig/cron engine (recurring
// specs) and runtime timers (one-shot specs).
//
// Every firing runs on its own goroutine, so a slow callback never delays
// other registrations, and a registration that fires again while its previous
// callback is still running starts an overlapping call.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	c      *cron.Cron
	defs   []*registration
	nextID uint64

	// one-shot timers; runtime state only, rebuilt by Start
	tmu    sync.Mutex
	timers map[uint64]*time.Timer
	inFlt  sync.WaitGroup
}

var _ Registrar = (*Service)(nil)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		timers: map[uint64]*time.Timer{},
	}
}

// RegisterTrigger implements Registrar. Registrations made before Start are
// kept and armed when the service starts.
func (s *Service) RegisterTrigger(spec Spec, fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	if spec.IsZero() {
		return ErrInvalidSpec
	}
	d := &registration{spec: spec, fn: fn}
	if !spec.IsOnce() {
		sched, err := parseCron(spec.Expr())
		if err != nil {
			return err
		}
		d.sched = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d.id = s.nextID
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	s.armLocked(d)
	fields := []logx.Field{logx.Uint64("id", d.id), logx.String("spec", spec.String())}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("trigger registered", fields...)
	return nil
}

// Start starts cron triggering and arms pending one-shot timers.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{log: s.log}))
	for _, d := range s.defs {
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop stops cron triggering and all pending one-shot timers, then waits for
// running callbacks to return or ctx to expire. Registrations are kept so a
// later Start resumes them; one-shot specs that already fired stay spent.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for id, t := range s.timers {
		if t.Stop() {
			s.inFlt.Done()
		}
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.inFlt.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("trigger service stop timed out; callbacks still running", logx.Err(ctx.Err()))
	}

	if c != nil {
		s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// armLocked hands d to the cron engine or a timer. Call with s.mu held.
func (s *Service) armLocked(d *registration) {
	if d.sched != nil {
		d.entryID = s.c.Schedule(d.sched, cron.FuncJob(s.callback(d)))
		return
	}
	if d.fired {
		return
	}

	delay := time.Until(d.spec.Time())
	if delay < 0 {
		delay = 0
	}
	fire := s.callback(d)

	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.inFlt.Add(1)
	s.timers[d.id] = time.AfterFunc(delay, func() {
		defer s.inFlt.Done()
		s.tmu.Lock()
		_, armed := s.timers[d.id]
		delete(s.timers, d.id)
		s.tmu.Unlock()
		if !armed {
			return
		}

		s.mu.Lock()
		d.fired = true
		s.mu.Unlock()
		fire()
	})
}

// callback wraps the registered fn with panic recovery.
func (s *Service) callback(d *registration) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("trigger callback panic",
					logx.Uint64("id", d.id),
					logx.String("spec", d.spec.String()),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		d.fn()
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming fire
// times. Call with s.mu held.
func (s *Service) previewNextRunsLocked(d *registration, n int) string {
	if d.sched == nil || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = d.sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format(logx.TimeFormat))
	}
	return b.String()
}
