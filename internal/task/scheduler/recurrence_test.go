package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var brt = time.FixedZone("BRT", -3*3600)

// 2026-10-12 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, brt)
}

func TestParseRecurrence(t *testing.T) {
	t.Parallel()

	r, ok := ParseRecurrence("08:00,08:00,14:30", "segunda,quarta")
	require.True(t, ok)
	assert.Equal(t, []string{"08:00", "14:30"}, r.SlotStrings())
	assert.Equal(t, []int{0, 2}, r.DayIndexes())
}

func TestParseRecurrenceLenientTokens(t *testing.T) {
	t.Parallel()

	r, ok := ParseRecurrence("7h30 / 25:00 ; abc, 18:05", "Segunda-feira; TERÇA quarta feira")
	require.True(t, ok)
	assert.Equal(t, []string{"07:30", "18:05"}, r.SlotStrings())
	assert.Equal(t, []int{0, 1, 2}, r.DayIndexes())

	r, ok = ParseRecurrence("12:00", "Dias úteis")
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, r.DayIndexes())
}

func TestParseRecurrenceOnDemand(t *testing.T) {
	t.Parallel()

	cases := []struct{ times, days string }{
		{"sem", "segunda"},
		{"08:00", "sem"},
		{"", "segunda"},
		{"08:00", ""},
		{"Sob Demanda", "todos"},
		{"08:00", "-"},
		{"xx:yy", "segunda"},
		{"08:00", "feriado"},
	}
	for _, tc := range cases {
		_, ok := ParseRecurrence(tc.times, tc.days)
		assert.False(t, ok, "%q / %q", tc.times, tc.days)
	}
}

func TestRecurrenceNext(t *testing.T) {
	t.Parallel()

	r, ok := ParseRecurrence("08:00, 14:30", "segunda, quarta")
	require.True(t, ok)

	cases := []struct {
		name string
		ref  time.Time
		want time.Time
	}{
		{"before first slot", at(12, 7, 0), at(12, 8, 0)},
		{"exactly on slot is strictly after", at(12, 8, 0), at(12, 14, 30)},
		{"after last slot of the day", at(12, 15, 0), at(14, 8, 0)},
		{"wraps to next week", at(14, 14, 30), at(19, 8, 0)},
		{"skips disallowed days", at(15, 9, 0), at(19, 8, 0)},
	}
	for _, tc := range cases {
		got := r.Next(tc.ref, brt)
		assert.True(t, tc.want.Equal(got), "%s: want %s got %s", tc.name, tc.want, got)
	}
}

func TestRecurrenceNextIsAllowedAndAfterRef(t *testing.T) {
	t.Parallel()

	r, ok := ParseRecurrence("06:15 12:00 23:59", "terca sexta domingo")
	require.True(t, ok)

	ref := at(12, 0, 0)
	for i := 0; i < 7*24*4; i++ {
		ref = ref.Add(15 * time.Minute)
		n := r.Next(ref, brt)
		require.False(t, n.IsZero())
		require.True(t, n.After(ref), "next %s must be after %s", n, ref)
		require.True(t, r.RunsOn(n.In(brt)), "next %s on disallowed weekday", n)
		require.Contains(t, r.SlotStrings(), n.In(brt).Format("15:04"))
	}
}

func TestRecurrenceNextEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, Recurrence{}.Next(at(12, 8, 0), brt).IsZero())
}

func TestWeekdayIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, WeekdayIndex(at(12, 10, 0)))
	assert.Equal(t, 4, WeekdayIndex(at(16, 10, 0)))
	assert.Equal(t, 6, WeekdayIndex(at(18, 10, 0)))
}
