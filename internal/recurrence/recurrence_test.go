package recurrence

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func sameInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %s got %s", want, got)
}

func TestDailyKolkata(t *testing.T) {
	loc := mustLoc(t, "Asia/Kolkata")
	anchor := time.Date(2025, 1, 15, 10, 30, 0, 0, loc)

	rule, err := Compile(models.RepeatDaily, "", "Asia/Kolkata", anchor, 0)
	require.NoError(t, err)
	sameInstant(t, anchor, rule.First())

	// first run finishes a few seconds after firing
	next, ok := rule.Next(anchor.Add(5 * time.Second))
	require.True(t, ok)
	sameInstant(t, time.Date(2025, 1, 16, 10, 30, 0, 0, loc), next)
	assert.Equal(t, 24*time.Hour, next.Sub(anchor))
	assert.Equal(t, "Asia/Kolkata", next.Location().String())
	assert.Equal(t, 10, next.Hour())
}

func TestDailyKeepsWallClockAcrossDST(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	// DST starts 2025-03-09 02:00 local
	anchor := time.Date(2025, 3, 8, 9, 0, 0, 0, loc)
	rule, err := Compile(models.RepeatDaily, "", "America/New_York", anchor, 0)
	require.NoError(t, err)

	next, ok := rule.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 9, next.Day())
	assert.Equal(t, 23*time.Hour, next.Sub(anchor))
}

func TestDelayIsAppliedToEveryOccurrence(t *testing.T) {
	anchor := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	rule, err := Compile(models.RepeatDaily, "", "UTC", anchor, 15)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(15*time.Minute), rule.First())

	next, ok := rule.Next(rule.First())
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 16, 10, 15, 0, 0, time.UTC), next)
}

func TestMonthlyClampsWithoutDrift(t *testing.T) {
	anchor := time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC)
	rule, err := Compile(models.RepeatMonthly, "", "UTC", anchor, 0)
	require.NoError(t, err)

	feb, ok := rule.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC), feb)

	mar, ok := rule.Next(feb)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC), mar)
}

func TestYearlyLeapDay(t *testing.T) {
	anchor := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
	rule, err := Compile(models.RepeatYearly, "", "UTC", anchor, 0)
	require.NoError(t, err)

	next, ok := rule.Next(anchor)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC), next)

	again, ok := rule.Next(time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2028, 2, 29, 12, 0, 0, 0, time.UTC), again)
}

func TestWeeklySkipsMissedFires(t *testing.T) {
	anchor := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) // Monday
	rule, err := Compile(models.RepeatWeekly, "", "UTC", anchor, 0)
	require.NoError(t, err)

	// scheduler was down for three weeks
	now := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)
	next, ok := rule.Next(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC), next)
}

func TestOnceHasSingleOccurrence(t *testing.T) {
	anchor := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	rule, err := Compile(models.RepeatOnce, "", "UTC", anchor, 0)
	require.NoError(t, err)

	next, ok := rule.Next(anchor.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, anchor, next)

	_, ok = rule.Next(anchor)
	assert.False(t, ok)
}

func TestCustomExpressions(t *testing.T) {
	anchor := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"every 15 minutes", anchor.Add(20 * time.Minute), anchor.Add(30 * time.Minute)},
		{"every 2 hours", anchor, anchor.Add(2 * time.Hour)},
		{"every 3 days", anchor, time.Date(2025, 1, 18, 10, 0, 0, 0, time.UTC)},
		{"@every 1h30m", anchor, anchor.Add(90 * time.Minute)},
		{"45m", anchor.Add(time.Hour), anchor.Add(90 * time.Minute)},
		{"0 9 * * 1", anchor, time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)},
		{"@daily", anchor, time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			rule, err := Compile(models.RepeatCustom, tc.expr, "UTC", anchor, 0)
			require.NoError(t, err)
			got, ok := rule.Next(tc.after)
			require.True(t, ok)
			assert.Equal(t, tc.want, got.UTC())
		})
	}
}

func TestCronEvaluatesInJobZone(t *testing.T) {
	loc := mustLoc(t, "Asia/Kolkata")
	anchor := time.Date(2025, 1, 15, 0, 0, 0, 0, loc)
	rule, err := Compile(models.RepeatCustom, "30 10 * * *", "Asia/Kolkata", anchor, 0)
	require.NoError(t, err)

	sameInstant(t, time.Date(2025, 1, 15, 10, 30, 0, 0, loc), rule.First())
	next, ok := rule.Next(rule.First())
	require.True(t, ok)
	sameInstant(t, time.Date(2025, 1, 16, 10, 30, 0, 0, loc), next)
}

func TestCompileRejects(t *testing.T) {
	anchor := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	cases := map[string]func() error{
		"unknown pattern": func() error { _, err := Compile("HOURLY", "", "UTC", anchor, 0); return err },
		"empty custom":    func() error { _, err := Compile(models.RepeatCustom, " ", "UTC", anchor, 0); return err },
		"bad custom":      func() error { _, err := Compile(models.RepeatCustom, "whenever", "UTC", anchor, 0); return err },
		"sub-minute":      func() error { _, err := Compile(models.RepeatCustom, "@every 10s", "UTC", anchor, 0); return err },
		"bad zone":        func() error { _, err := Compile(models.RepeatDaily, "", "Mars/Olympus", anchor, 0); return err },
		"negative delay":  func() error { _, err := Compile(models.RepeatDaily, "", "UTC", anchor, -1); return err },
		"zero anchor":     func() error { _, err := Compile(models.RepeatDaily, "", "UTC", time.Time{}, 0); return err },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrInvalidPattern))
			assert.True(t, apperr.IsValidation(err))
		})
	}
}

func TestNextStrictlyIncreases(t *testing.T) {
	anchor := time.Date(2025, 1, 31, 23, 45, 0, 0, mustLoc(t, "Europe/London"))
	for _, p := range []models.RepeatPattern{models.RepeatDaily, models.RepeatWeekly, models.RepeatMonthly, models.RepeatYearly} {
		rule, err := Compile(p, "", "Europe/London", anchor, 7)
		require.NoError(t, err)

		prev := rule.First()
		for i := 0; i < 40; i++ {
			now := prev.Add(time.Second)
			next, ok := rule.Next(now)
			require.True(t, ok)
			assert.Truef(t, next.After(prev), "%s: %s not after %s", p, next, prev)
			assert.Falsef(t, next.Before(now), "%s: %s before computation time %s", p, next, now)
			prev = next
		}
	}
}
