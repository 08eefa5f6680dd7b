package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tasklist/internal/action"
	"tasklist/internal/config"
	"tasklist/pkg/eventbus"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/task"
)

const heartbeatCommandTimeout = 30 * time.Second

// runStats counts run events seen on the bus.
type runStats struct {
	started    atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	heartbeats atomic.Uint64

	mu       sync.Mutex
	lastFail string
	lastAt   time.Time
}

func (s *runStats) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskStarted:
		s.started.Add(1)
	case eventbus.TaskCompleted:
		s.completed.Add(1)
	case eventbus.TaskFailed:
		s.failed.Add(1)
		if re, ok := e.Data.(eventbus.RunEvent); ok {
			s.mu.Lock()
			s.lastFail = re.Task
			s.lastAt = e.Time
			s.mu.Unlock()
		}
	case eventbus.HeartbeatFired:
		s.heartbeats.Add(1)
	}
}

func (s *runStats) fields() []logx.Field {
	out := []logx.Field{
		logx.Uint64("tasks_started", s.started.Load()),
		logx.Uint64("tasks_completed", s.completed.Load()),
		logx.Uint64("tasks_failed", s.failed.Load()),
		logx.Uint64("heartbeats", s.heartbeats.Load()),
	}
	s.mu.Lock()
	if s.lastFail != "" {
		out = append(out, logx.String("last_failed_task", s.lastFail), logx.Time("last_failed_at", s.lastAt))
	}
	s.mu.Unlock()
	return out
}

// heartbeatAction builds the once-a-minute callback: watchdog ping, optional
// command, then a liveness line. Nil when the heartbeat is disabled.
func (a *App) heartbeatAction(hb config.HeartbeatConfig) (task.Action, error) {
	if !hb.Enabled {
		return nil, nil
	}
	cmd, err := heartbeatCommand(hb, a.log.With(logx.String("comp", "heartbeat")))
	if err != nil {
		return nil, err
	}
	watchdog := hb.SystemdWatchdog

	return func(ctx context.Context) error {
		if watchdog {
			if _, err := a.notify(daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("systemd watchdog notify failed", logx.Err(err))
			}
		}
		var err error
		if cmd != nil {
			err = cmd.Run(ctx)
		}
		fields := append(a.stats.fields(), logx.Int("goroutines", int(a.sup.Counters().Active)))
		a.log.Info("heartbeat", fields...)
		return err
	}, nil
}

// heartbeatCommand builds the optional heartbeat command. Unlike plan actions
// it always has a timeout; heartbeatCommandTimeout unless configured.
func heartbeatCommand(hb config.HeartbeatConfig, log logx.Logger) (*action.Command, error) {
	if hb.Command == nil {
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("heartbeat.command.timeout", hb.Command.Timeout, heartbeatCommandTimeout)
	if err != nil {
		return nil, err
	}
	c, err := action.FromConfig("heartbeat.command", *hb.Command, log)
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}
