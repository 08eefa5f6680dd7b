// Package action turns configured external commands into task steps.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tasklist/internal/config"
	logx "tasklist/pkg/logx"
	"tasklist/pkg/task"
)

var ErrEmptyCommand = errors.New("action: empty command")

const (
	defaultLinesPerSec = 20
	defaultLineBurst   = 50
	// maxLine bounds a single buffered output line; longer lines are split.
	maxLine = 4 << 10
	// waitDelay bounds how long Wait blocks on output pipes after the
	// process is killed (grandchildren may hold them open).
	waitDelay = 2 * time.Second
)

// Command runs an external program. Its stdout and stderr are logged line by
// line at debug level, throttled so a noisy program cannot flood the log.
type Command struct {
	Name    string
	Argv    []string
	Dir     string
	Env     []string // KEY=VALUE, appended to the daemon environment
	Timeout time.Duration

	// LinesPerSec and LineBurst throttle logged output; zero uses defaults.
	LinesPerSec int
	LineBurst   int

	log logx.Logger
}

// FromConfig builds a Command from a validated config entry. path names the
// entry in error messages.
func FromConfig(path string, ac config.ActionConfig, log logx.Logger) (*Command, error) {
	if len(ac.Command) == 0 || strings.TrimSpace(ac.Command[0]) == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCommand)
	}
	timeout, err := config.ActionTimeout(path, ac)
	if err != nil {
		return nil, err
	}
	return New(ac.Name, ac.Command, log,
		WithDir(ac.Dir),
		WithEnv(ac.Env...),
		WithTimeout(timeout),
	), nil
}

type Option func(*Command)

func WithDir(dir string) Option { return func(c *Command) { c.Dir = dir } }

func WithEnv(kv ...string) Option {
	return func(c *Command) { c.Env = append(c.Env, kv...) }
}

func WithTimeout(d time.Duration) Option { return func(c *Command) { c.Timeout = d } }

func WithOutputRate(linesPerSec, burst int) Option {
	return func(c *Command) {
		c.LinesPerSec = linesPerSec
		c.LineBurst = burst
	}
}

func New(name string, argv []string, log logx.Logger, opts ...Option) *Command {
	c := &Command{Name: strings.TrimSpace(name), Argv: append([]string(nil), argv...)}
	if c.Name == "" && len(argv) > 0 {
		c.Name = filepath.Base(argv[0])
	}
	for _, o := range opts {
		o(c)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c.log = log.With(logx.String("action", c.Name))
	return c
}

// Action returns c as a task step.
func (c *Command) Action() task.Action { return c.Run }

// Run starts the program and waits for it. A non-zero exit, a failure to
// start, or hitting the timeout is returned as an error.
func (c *Command) Run(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("action %s: %w", c.Name, ErrEmptyCommand)
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	lps, burst := c.LinesPerSec, c.LineBurst
	if lps <= 0 {
		lps = defaultLinesPerSec
	}
	if burst <= 0 {
		burst = defaultLineBurst
	}
	out := &outputLog{log: c.log, limiter: rate.NewLimiter(rate.Limit(lps), burst)}
	stdout, stderr := out.stream("stdout"), out.stream("stderr")

	cmd := exec.CommandContext(runCtx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	c.log.Debug("action started", logx.String("argv", strings.Join(c.Argv, " ")))
	err := cmd.Run()
	stdout.flush()
	stderr.flush()
	took := time.Since(start)

	if n := out.dropped.Load(); n > 0 {
		c.log.Warn("action output throttled", logx.Uint64("dropped_lines", n))
	}

	switch {
	case err == nil:
		c.log.Debug("action finished", logx.Duration("took", took))
		return nil
	case c.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("action %s: timed out after %s: %w", c.Name, c.Timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		return fmt.Errorf("action %s: %w", c.Name, ctx.Err())
	}
	if tail := stderr.last(); tail != "" {
		return fmt.Errorf("action %s: %w: %s", c.Name, err, tail)
	}
	return fmt.Errorf("action %s: %w", c.Name, err)
}

func (c *Command) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, strings.Join(c.Argv, " "))
}

// outputLog is shared by the stdout and stderr streams of one run.
type outputLog struct {
	log     logx.Logger
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func (o *outputLog) stream(name string) *lineWriter {
	return &lineWriter{out: o, name: name}
}

func (o *outputLog) line(stream, s string) {
	if !o.limiter.Allow() {
		o.dropped.Add(1)
		return
	}
	o.log.Debug("action output", logx.String("stream", stream), logx.String("line", s))
}

// lineWriter splits writes into lines.
type lineWriter struct {
	out  *outputLog
	name string

	mu   sync.Mutex
	buf  bytes.Buffer
	tail string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			if len(b) >= maxLine {
				w.emit(string(b[:maxLine]))
				w.buf.Next(maxLine)
				continue
			}
			return len(p), nil
		}
		if i > maxLine {
			w.emit(string(b[:maxLine]))
			w.buf.Next(maxLine)
			continue
		}
		w.emit(string(b[:i]))
		w.buf.Next(i + 1)
	}
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(s string) {
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.tail = s
	w.out.line(w.name, s)
}

// last returns the most recent non-blank line.
func (w *lineWriter) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tail
}
