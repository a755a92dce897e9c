// Package recurrence computes fire times for repeating jobs.
//
// Every occurrence is derived from the job's anchor (its scheduled time) in
// the job's own time zone: occurrence k is the anchor advanced by k calendar
// units, then shifted by the job's delay. Deriving from the anchor keeps local
// wall-clock time stable across DST changes and keeps month-end dates from
// drifting. Nothing here reads the system clock; callers pass "now".
package recurrence

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// MaxDelayMinutes bounds delayMinutes to one year.
const MaxDelayMinutes = 365 * 24 * 60

// MinInterval is the shortest CUSTOM interval accepted.
const MinInterval = time.Minute

// maxSteps caps the forward search so a corrupt rule cannot spin.
const maxSteps = 1 << 20

var everyExpr = regexp.MustCompile(`^every\s+(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days|w|week|weeks)$`)

// Rule is a compiled recurrence for one job.
type Rule struct {
	pattern  models.RepeatPattern
	loc      *time.Location
	anchor   time.Time
	delay    time.Duration
	interval time.Duration
	days     int
	sched    cron.Schedule
}

// Compile validates a job's recurrence and returns a rule. Failures are
// apperr.ErrInvalidPattern, which also satisfies apperr.ErrValidation.
func Compile(pattern models.RepeatPattern, expression, timezone string, anchor time.Time, delayMinutes int) (Rule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Rule{}, apperr.InvalidPattern("unknown time zone %q", timezone)
	}
	if anchor.IsZero() {
		return Rule{}, apperr.InvalidPattern("scheduled time is required")
	}
	if delayMinutes < 0 || delayMinutes > MaxDelayMinutes {
		return Rule{}, apperr.InvalidPattern("delayMinutes must be between 0 and %d", MaxDelayMinutes)
	}

	r := Rule{
		pattern: pattern,
		loc:     loc,
		anchor:  anchor.In(loc),
		delay:   time.Duration(delayMinutes) * time.Minute,
	}
	switch pattern {
	case models.RepeatOnce, models.RepeatDaily, models.RepeatWeekly, models.RepeatMonthly, models.RepeatYearly:
		return r, nil
	case models.RepeatCustom:
		if err := r.parseCustom(expression); err != nil {
			return Rule{}, err
		}
		return r, nil
	default:
		return Rule{}, apperr.InvalidPattern("unknown repeat pattern %q", pattern)
	}
}

func (r *Rule) parseCustom(expression string) error {
	expr := strings.ToLower(strings.TrimSpace(expression))
	if expr == "" {
		return apperr.InvalidPattern("CUSTOM pattern requires an expression")
	}

	if m := everyExpr.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return apperr.InvalidPattern("invalid interval count in %q", expression)
		}
		switch m[2][0] {
		case 'm':
			return r.setInterval(time.Duration(n)*time.Minute, expression)
		case 'h':
			return r.setInterval(time.Duration(n)*time.Hour, expression)
		case 'd':
			r.days = n
		case 'w':
			r.days = 7 * n
		}
		return nil
	}

	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return apperr.InvalidPattern("invalid @every duration in %q", expression)
		}
		return r.setInterval(d, expression)
	}

	if d, err := time.ParseDuration(expr); err == nil {
		return r.setInterval(d, expression)
	}

	sched, err := cron.ParseStandard(strings.TrimSpace(expression))
	if err != nil {
		return apperr.InvalidPattern("unrecognised CUSTOM expression %q: %v", expression, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = r.loc
	}
	r.sched = sched
	return nil
}

func (r *Rule) setInterval(d time.Duration, expression string) error {
	if d < MinInterval {
		return apperr.InvalidPattern("interval in %q is shorter than %s", expression, MinInterval)
	}
	r.interval = d
	return nil
}

// Pattern returns the rule's repeat pattern.
func (r Rule) Pattern() models.RepeatPattern { return r.pattern }

// Location returns the zone every occurrence is computed in.
func (r Rule) Location() *time.Location { return r.loc }

// First is the first fire time: the first occurrence plus the delay.
func (r Rule) First() time.Time {
	if r.sched != nil {
		return r.sched.Next(r.anchor.Add(-time.Second)).Add(r.delay)
	}
	return r.anchor.Add(r.delay)
}

// Next returns the earliest fire time strictly after the given instant. A
// ONCE rule has a single occurrence, so it reports false once that is past.
func (r Rule) Next(after time.Time) (time.Time, bool) {
	target := after.Add(-r.delay).In(r.loc)

	if r.sched != nil {
		from := target
		if floor := r.anchor.Add(-time.Second); from.Before(floor) {
			from = floor
		}
		next := r.sched.Next(from)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next.In(r.loc).Add(r.delay), true
	}

	if r.pattern == models.RepeatOnce {
		if r.anchor.After(target) {
			return r.anchor.Add(r.delay), true
		}
		return time.Time{}, false
	}

	for k, steps := r.estimate(target), 0; steps < maxSteps; k, steps = k+1, steps+1 {
		occ := r.occurrence(k)
		if occ.After(target) {
			return occ.Add(r.delay), true
		}
	}
	return time.Time{}, false
}

// occurrence returns the k-th undelayed occurrence.
func (r Rule) occurrence(k int) time.Time {
	switch {
	case r.interval > 0:
		return r.anchor.Add(time.Duration(k) * r.interval)
	case r.days > 0:
		return addDays(r.anchor, k*r.days)
	}
	switch r.pattern {
	case models.RepeatDaily:
		return addDays(r.anchor, k)
	case models.RepeatWeekly:
		return addDays(r.anchor, 7*k)
	case models.RepeatMonthly:
		return addMonths(r.anchor, k)
	case models.RepeatYearly:
		return addMonths(r.anchor, 12*k)
	}
	return r.anchor
}

// estimate returns an occurrence index at or before the first one after
// target. Wall-clock units drift from absolute durations by at most a DST
// offset, so stepping back one unit is always enough.
func (r Rule) estimate(target time.Time) int {
	if !target.After(r.anchor) {
		return 0
	}
	elapsed := target.Sub(r.anchor)
	var k int
	switch {
	case r.interval > 0:
		k = int(elapsed / r.interval)
	case r.days > 0:
		k = int(elapsed / (time.Duration(r.days) * 24 * time.Hour))
	case r.pattern == models.RepeatDaily:
		k = int(elapsed / (24 * time.Hour))
	case r.pattern == models.RepeatWeekly:
		k = int(elapsed / (7 * 24 * time.Hour))
	case r.pattern == models.RepeatMonthly:
		k = monthsBetween(r.anchor, target)
	case r.pattern == models.RepeatYearly:
		k = monthsBetween(r.anchor, target) / 12
	}
	if k -= 1; k < 0 {
		k = 0
	}
	return k
}

func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d+n, hh, mm, ss, t.Nanosecond(), t.Location())
}

// addMonths advances by n calendar months, clamping the day to the end of
// the target month (Jan 31 + 1 month = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthsBetween(from, to time.Time) int {
	fy, fm, _ := from.Date()
	ty, tm, _ := to.In(from.Location()).Date()
	return (ty-fy)*12 + int(tm-fm)
}
