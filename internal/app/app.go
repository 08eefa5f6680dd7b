// Package app wires the configuration, logger, trigger service and task list
// into the tasklistd daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tasklist/internal/config"
	"tasklist/internal/runtime/supervisor"
	"tasklist/pkg/eventbus"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/tasklist"
	"tasklist/pkg/trigger"
)

// retireTimeout bounds how long a replaced trigger service may keep running
// tasks after a reload.
const retireTimeout = 10 * time.Minute

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	stats *runStats

	// notify sends a systemd state string; daemon.SdNotify is a no-op
	// outside systemd.
	notify func(state string) (bool, error)

	mu   sync.Mutex
	trig *trigger.Service
	list *tasklist.TaskList
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		stats:   &runStats{},
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// TaskList returns the active task list.
func (a *App) TaskList() *tasklist.TaskList {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.list
}

// Trigger returns the active trigger service.
func (a *App) Trigger() *trigger.Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trig
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: a config is only published when a task
	// list can be built from it
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		hb, err := a.heartbeatAction(cfg.Heartbeat)
		if err != nil {
			return err
		}
		_, err = buildTaskList(cfg, logx.Nop(), nil, hb)
		return err
	})

	if err := a.activate(a.cfgm.Get()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.stats", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.stats.observe(e)
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if _, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd ready notify failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// activate builds a trigger service and task list from cfg, starts them and
// retires the previous pair. Registrations cannot be removed from a running
// trigger service, so a reload always replaces it.
func (a *App) activate(cfg *config.Config) error {
	hb, err := a.heartbeatAction(cfg.Heartbeat)
	if err != nil {
		return err
	}
	list, err := buildTaskList(cfg, a.log, a.bus, hb)
	if err != nil {
		return err
	}

	trig := trigger.New(trigger.Config{Timezone: cfg.Trigger.Timezone}, a.log.With(logx.String("comp", "trigger")))
	trig.Start()
	if err := list.Invoke(a.sup.Context(), trig); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		trig.Stop(stopCtx)
		cancel()
		return err
	}

	a.mu.Lock()
	old := a.trig
	a.trig, a.list = trig, list
	a.mu.Unlock()

	if old != nil {
		a.sup.Go0("trigger.retire", func(c context.Context) {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(c), retireTimeout)
			defer cancel()
			old.Stop(stopCtx)
			a.log.Debug("previous trigger service retired")
		})
	}

	names := make([]string, 0, len(list.Schedules()))
	for name, spec := range list.Schedules() {
		names = append(names, name+"="+spec.String())
	}
	a.log.Debug("task list active", logx.String("schedules", strings.Join(names, "; ")), logx.Bool("heartbeat", hb != nil))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		if s == "trigger" || s == "tasklist" || s == "heartbeat" {
			if err := a.activate(newCfg); err != nil {
				a.log.Warn("config reload failed; keeping previous task list", logx.Err(err))
				return
			}
			break
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd stopping notify failed", logx.Err(err))
	}

	// Cancel first so running tasks and background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 5*time.Second, func(c context.Context) error {
		if t := a.Trigger(); t != nil {
			t.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", a.stats.fields()...)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
