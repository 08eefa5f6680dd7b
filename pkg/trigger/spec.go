package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSpec = errors.New("trigger: invalid spec")
	ErrNilCallback = errors.New("trigger: nil callback")
)

// LocalTimeLayout is accepted by ParseSpec for one-shot specs without a zone.
const LocalTimeLayout = "2006-01-02 15:04:05"

// Spec is either a recurring cron expression or an absolute point in time.
// The zero Spec is invalid.
type Spec struct {
	expr string
	at   time.Time
}

// Cron returns a recurring spec. Five fields (minute hour dom month dow) or
// six with a leading seconds field; descriptors such as "@daily" also work.
func Cron(expr string) Spec { return Spec{expr: strings.TrimSpace(expr)} }

// At returns a spec that fires once at t.
func At(t time.Time) Spec { return Spec{at: t} }

func (s Spec) IsZero() bool      { return s.expr == "" && s.at.IsZero() }
func (s Spec) IsOnce() bool      { return s.expr == "" && !s.at.IsZero() }
func (s Spec) Expr() string      { return s.expr }
func (s Spec) Time() time.Time   { return s.at }
func (s Spec) Equal(o Spec) bool { return s.expr == o.expr && s.at.Equal(o.at) }

func (s Spec) String() string {
	if s.IsOnce() {
		return s.at.Format(time.RFC3339)
	}
	return s.expr
}

// ParseSpec turns config text into a Spec.
//
// Supported forms:
//   - Cron: "30 23 * * *", "0 30 23 * * *" (seconds), "@daily", "@every 5m"
//   - One-shot: RFC 3339 ("2026-01-02T15:04:05Z") or "2026-01-02 15:04:05" (local time)
//   - Interval: a Go duration ("55m", "2h30m"), stored as "@every <d>"
//
// Optional prefixes "cron:", "at:" and "every:" (alias "interval:") force the
// kind; "every:" also accepts HH:MM ("02:30" is two and a half hours).
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "at:"):
		at, ok := parseTimestamp(strings.TrimSpace(s[len("at:"):]))
		if !ok {
			return Spec{}, fmt.Errorf("%w: invalid timestamp %q", ErrInvalidSpec, raw)
		}
		return At(at), nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	}

	if at, ok := parseTimestamp(s); ok {
		return At(at), nil
	}
	if !strings.ContainsAny(s, " \t@") {
		if _, err := time.ParseDuration(s); err == nil {
			return parseInterval(s)
		}
	}
	return parseCronSpec(s)
}

// parseInterval accepts a positive Go duration or HH:MM.
func parseInterval(v string) (Spec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		hh, mm, ok := strings.Cut(v, ":")
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if !ok || herr != nil || merr != nil || h < 0 || m < 0 || m > 59 {
			return Spec{}, fmt.Errorf("%w: invalid interval %q (use HH:MM or a duration like 55m)", ErrInvalidSpec, v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return Cron("@every " + d.String()), nil
}

func parseCronSpec(expr string) (Spec, error) {
	if _, err := parseCron(expr); err != nil {
		return Spec{}, err
	}
	return Cron(expr), nil
}

func parseTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(LocalTimeLayout, s, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// cronParser accepts 5-field and 6-field (leading seconds) expressions.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSpec)
	}
	sched, err := cronParser.Parse(normalizeDow(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSpec, expr, err)
	}
	return sched, nil
}

// normalizeDow rewrites day-of-week 7 (Sunday in the classic crontab grammar)
// to 0, which is the only Sunday robfig/cron accepts. A leading TZ= or
// CRON_TZ= token is kept as is.
func normalizeDow(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "TZ=") || strings.HasPrefix(fields[0], "CRON_TZ=")) {
		rest := strings.Join(fields[1:], " ")
		if n := normalizeDow(rest); n != rest {
			return fields[0] + " " + n
		}
		return expr
	}
	if len(fields) == 0 || strings.HasPrefix(fields[0], "@") || strings.Contains(fields[0], "=") {
		return expr
	}
	var idx int
	switch len(fields) {
	case 5:
		idx = 4
	case 6:
		idx = 5
	default:
		return expr
	}
	fields[idx] = normalizeDowField(fields[idx])
	return strings.Join(fields, " ")
}

func normalizeDowField(f string) string {
	parts := strings.Split(f, ",")
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		rng, step, hasStep := strings.Cut(p, "/")
		lo, hi, isRange := strings.Cut(rng, "-")
		switch {
		case !isRange && rng == "7":
			p = "0"
			if hasStep {
				p += "/" + step
			}
		case isRange && hi == "7":
			if lo == "7" {
				out = append(out, "0")
				continue
			}
			p = lo + "-6"
			includeSunday := true
			if hasStep {
				p += "/" + step
				l, errL := strconv.Atoi(lo)
				n, errN := strconv.Atoi(step)
				includeSunday = errL == nil && errN == nil && n > 0 && (7-l)%n == 0
			}
			if includeSunday {
				out = append(out, p, "0")
				continue
			}
		}
		out = append(out, p)
	}
	return strings.Join(out, ",")
}
