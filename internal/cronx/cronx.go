// Package cronx evaluates the 5-field cron expressions jobs are scheduled
// with. Validation implements the supported grammar directly; next-instant
// math is delegated to gronx after shifting into the fixed civil timezone.
package cronx

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Timezone is the civil timezone cron expressions are evaluated against.
// Stored and served instants are always UTC; only the cadence arithmetic
// happens on the shifted clock.
const Timezone = "Asia/Kolkata"

// istOffset is UTC+5:30. IST has no daylight saving, so a fixed offset is
// equivalent to the zoneinfo rules and keeps the arithmetic allocation-free.
const istOffset = 5*time.Hour + 30*time.Minute

// fallbackInterval is returned by NextAfter when the expression cannot be
// evaluated. Masking a broken expression this way is deliberate legacy
// behavior; callers are expected to Validate first.
const fallbackInterval = time.Hour

type fieldSpec struct {
	name string
	min  int
	max  int
}

// Weekday runs 0-7 with 7 accepted as an alias for Sunday.
var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 7},
}

// Validate reports whether expr is a supported cron expression: exactly five
// space-separated fields, each built from "*", "N", "*/S", "N-M", "N-M/S" or
// a comma list of those. Month/weekday names, macros ("@daily"), seconds
// fields and the Quartz extensions (L, W, ?) are rejected.
func Validate(expr string) bool {
	return ValidateErr(expr) == nil
}

// ValidateErr is Validate with the first offending field in the error.
func ValidateErr(expr string) error {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	for i, part := range parts {
		if err := validateField(part, fieldSpecs[i]); err != nil {
			return fmt.Errorf("%s field %q: %w", fieldSpecs[i].name, part, err)
		}
	}
	return nil
}

func validateField(field string, spec fieldSpec) error {
	for _, tok := range strings.Split(field, ",") {
		if tok == "" {
			return fmt.Errorf("empty list element")
		}
		if err := validateToken(tok, spec); err != nil {
			return err
		}
	}
	return nil
}

func validateToken(tok string, spec fieldSpec) error {
	base, step, hasStep := strings.Cut(tok, "/")
	if hasStep {
		n, err := strconv.Atoi(step)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid step %q", step)
		}
	}
	if base == "*" {
		return nil
	}
	lo, hi, isRange := strings.Cut(base, "-")
	a, err := parseBound(lo, spec)
	if err != nil {
		return err
	}
	if !isRange {
		if hasStep {
			return fmt.Errorf("step requires a range or *")
		}
		return nil
	}
	b, err := parseBound(hi, spec)
	if err != nil {
		return err
	}
	if a > b {
		return fmt.Errorf("descending range %d-%d", a, b)
	}
	return nil
}

func parseBound(s string, spec fieldSpec) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < spec.min || n > spec.max {
		return 0, fmt.Errorf("value %d outside [%d,%d]", n, spec.min, spec.max)
	}
	return n, nil
}

// NextAfter returns the smallest UTC instant strictly after t at which the
// IST wall clock matches expr. Seconds are truncated before evaluation, so a
// t that lands inside a matching minute still resolves to the next match.
//
// The offset shift below reproduces the engine's historical behavior: the
// shifted instant is handed to gronx still labeled UTC, which aligns firing
// with IST wall-clock time for every expression. Introducing a real timezone
// parameter here would change firing times for deployed jobs.
//
// If the expression cannot be evaluated the result falls back to t+1h with a
// warning. That keeps a broken job limping instead of dead, at the cost of
// hiding the breakage; Validate gates every write path so this should only
// trigger for rows predating validation.
func NextAfter(expr string, t time.Time) time.Time {
	shifted := t.UTC().Truncate(time.Minute).Add(istOffset)
	next, err := gronx.NextTickAfter(expr, shifted, false)
	if err != nil {
		slog.Warn("cron: next-run evaluation failed, falling back to +1h",
			"expr", expr, "error", err)
		return t.UTC().Add(fallbackInterval)
	}
	return next.Add(-istOffset)
}

// NextN returns the next n firing instants after t. Each step is seeded one
// second past the previous result so repeated minutes are never returned.
func NextN(expr string, t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := t
	for i := 0; i < n; i++ {
		next := NextAfter(expr, cur)
		out = append(out, next)
		cur = next.Add(time.Second)
	}
	return out
}
