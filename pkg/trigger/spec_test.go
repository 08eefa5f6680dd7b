package trigger

import (
	"errors"
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		once bool
		expr string
	}{
		{name: "five fields", raw: "30 23 * * *", expr: "30 23 * * *"},
		{name: "sunday as seven", raw: "30 23 * * 7", expr: "30 23 * * 7"},
		{name: "with seconds", raw: "0 30 23 1 * *", expr: "0 30 23 1 * *"},
		{name: "descriptor", raw: "@daily", expr: "@daily"},
		{name: "cron tz sunday as seven", raw: "CRON_TZ=UTC 30 23 * * 7", expr: "CRON_TZ=UTC 30 23 * * 7"},
		{name: "every", raw: "@every 5m", expr: "@every 5m"},
		{name: "prefixed cron", raw: "cron: * * * * *", expr: "* * * * *"},
		{name: "rfc3339", raw: "2030-01-02T15:04:05Z", once: true},
		{name: "local timestamp", raw: "2030-01-02 15:04:05", once: true},
		{name: "prefixed at", raw: "at:2030-01-02T15:04:05+02:00", once: true},
		{name: "bare duration", raw: "55m", expr: "@every 55m0s"},
		{name: "prefixed every", raw: "every:2h30m", expr: "@every 2h30m0s"},
		{name: "interval hhmm", raw: "interval:02:30", expr: "@every 2h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.IsOnce() != tt.once {
				t.Fatalf("IsOnce = %v, want %v", got.IsOnce(), tt.once)
			}
			if !tt.once && got.Expr() != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr(), tt.expr)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "not-a-schedule", "61 * * * *", "* * * *", "at:yesterday", "every:0s", "every:soon", "-5m"} {
		if _, err := ParseSpec(raw); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("ParseSpec(%q) error = %v, want ErrInvalidSpec", raw, err)
		}
	}
}

func TestNormalizeDow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"30 23 * * 7", "30 23 * * 0"},
		{"30 23 * * 0", "30 23 * * 0"},
		{"0 30 23 * * 7", "0 30 23 * * 0"},
		{"0 9 * * 5-7", "0 9 * * 5-6,0"},
		{"0 9 * * 1,7", "0 9 * * 1,0"},
		{"0 9 * * 1-7/2", "0 9 * * 1-6/2,0"},
		{"0 9 * * 2-7/2", "0 9 * * 2-6/2"},
		{"0 9 * * MON-FRI", "0 9 * * MON-FRI"},
		{"7 7 7 7 *", "7 7 7 7 *"},
		{"@weekly", "@weekly"},
		{"CRON_TZ=UTC 30 23 * * 7", "CRON_TZ=UTC 30 23 * * 0"},
		{"TZ=Europe/Paris 0 9 * * 5-7", "TZ=Europe/Paris 0 9 * * 5-6,0"},
		{"CRON_TZ=UTC 30 23 * * 1", "CRON_TZ=UTC 30 23 * * 1"},
		{"CRON_TZ=UTC @weekly", "CRON_TZ=UTC @weekly"},
	}
	for _, tt := range tests {
		if got := normalizeDow(tt.in); got != tt.want {
			t.Errorf("normalizeDow(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSundayAsSevenFiresOnSunday(t *testing.T) {
	t.Parallel()
	sched, err := parseCron("30 23 * * 7")
	if err != nil {
		t.Fatalf("parseCron: %v", err)
	}
	// 2026-10-14 is a Wednesday.
	from := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	next := sched.Next(from)
	want := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestZonedSundayAsSevenFiresOnSunday(t *testing.T) {
	t.Parallel()
	sched, err := parseCron("CRON_TZ=UTC 30 23 * * 7")
	if err != nil {
		t.Fatalf("parseCron: %v", err)
	}
	from := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestMonthlyFiresOnFirstDay(t *testing.T) {
	t.Parallel()
	sched, err := parseCron("30 23 1 * *")
	if err != nil {
		t.Fatalf("parseCron: %v", err)
	}
	next := sched.Next(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	want := time.Date(2026, 11, 1, 23, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestSpecString(t *testing.T) {
	t.Parallel()
	if got := Cron(" * * * * * ").String(); got != "* * * * *" {
		t.Fatalf("String() = %q", got)
	}
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := At(at).String(); got != "2030-01-02T03:04:05Z" {
		t.Fatalf("String() = %q", got)
	}
	if !(Spec{}).IsZero() {
		t.Fatal("zero Spec should report IsZero")
	}
	if !At(at).Equal(At(at.In(time.FixedZone("x", 3600)))) {
		t.Fatal("Equal should compare instants")
	}
}

func FuzzParseSpec(f *testing.F) {
	f.Add("30 23 * * 7")
	f.Add("0 9 * * 1-7/2")
	f.Add("@every 1m")
	f.Add("2030-01-02 15:04:05")
	f.Add("")
	f.Add("invalid")

	f.Fuzz(func(_ *testing.T, raw string) {
		// Must not panic; errors are expected and acceptable.
		_, _ = ParseSpec(raw)
	})
}
