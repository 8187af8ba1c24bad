package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleRejectsBadInput(t *testing.T) {
	for _, expr := range []string{"", "0 3 * *", "0 3 * * * *", "61 3 * * *", "x 3 * * *", "*/0 * * * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}

func TestNextDailyAtThree(t *testing.T) {
	sched, err := ParseSchedule("0 3 * * *")
	require.NoError(t, err)

	at := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), sched.Next(at))

	// After today's run, the next one is tomorrow.
	at = time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC), sched.Next(at))
}

func TestNextStepMinutes(t *testing.T) {
	sched, err := ParseSchedule("*/15 * * * *")
	require.NoError(t, err)

	at := time.Date(2026, 8, 25, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC), sched.Next(at))
}

func TestNextWeekday(t *testing.T) {
	// Sundays at midnight. 2026-08-25 is a Tuesday.
	sched, err := ParseSchedule("0 0 * * 0")
	require.NoError(t, err)

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	next := sched.Next(at)
	assert.Equal(t, time.Sunday, next.Weekday())
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), next)
}

func TestNextIsStrictlyAfter(t *testing.T) {
	sched, err := ParseSchedule("30 4 * * *")
	require.NoError(t, err)

	at := time.Date(2026, 8, 25, 4, 30, 0, 0, time.UTC)
	assert.True(t, sched.Next(at).After(at))
}
