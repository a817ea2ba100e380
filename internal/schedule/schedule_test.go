package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekly_ExpandAcrossDaylightSaving(t *testing.T) {
	// Europe/Rome leaves summer time on 2026-10-25.
	w := Weekly{
		Days:     []time.Weekday{time.Saturday, time.Monday},
		Windows:  []Window{{Start: "10:00", End: "11:30"}},
		Timezone: "Europe/Rome",
		From:     "2026-10-24",
		Until:    "2026-10-26",
	}
	occ, err := w.Expand()
	require.NoError(t, err)
	require.Len(t, occ, 2)

	assert.Equal(t, time.Date(2026, 10, 24, 8, 0, 0, 0, time.UTC), occ[0].Start)
	assert.Equal(t, time.Date(2026, 10, 26, 9, 0, 0, 0, time.UTC), occ[1].Start)
	assert.Equal(t, 90*time.Minute, occ[1].Duration())
}

func TestWeekly_MultipleWindowsOrderedAndDeduplicated(t *testing.T) {
	w := Weekly{
		Days:    []time.Weekday{time.Friday, time.Friday},
		Windows: []Window{{"15:00", "16:00"}, {"09:00", "10:00"}, {"09:00", "10:00"}},
		From:    "2026-11-06",
		Until:   "2026-11-13",
	}
	occ, err := w.Expand()
	require.NoError(t, err)
	require.Len(t, occ, 4)
	for i := 1; i < len(occ); i++ {
		assert.True(t, occ[i-1].Start.Before(occ[i].Start))
	}
	assert.Equal(t, 9, occ[0].Start.Hour())
}

func TestWeekly_Rejects(t *testing.T) {
	base := Weekly{Days: []time.Weekday{time.Monday}, Windows: []Window{{"09:00", "10:00"}}, From: "2026-11-01", Until: "2026-11-30"}

	cases := map[string]struct {
		mut  func(w *Weekly)
		want error
	}{
		"inverted range": {func(w *Weekly) { w.From, w.Until = w.Until, w.From }, ErrInvalidRange},
		"range too long": {func(w *Weekly) { w.Until = "2028-01-01" }, ErrInvalidRange},
		"bad zone":       {func(w *Weekly) { w.Timezone = "Mars/Olympus" }, ErrInvalidTimezone},
		"bad weekday":    {func(w *Weekly) { w.Days = []time.Weekday{9} }, ErrInvalidWeekday},
		"empty window":   {func(w *Weekly) { w.Windows = []Window{{"10:00", "10:00"}} }, ErrInvalidWindow},
		"garbled clock":  {func(w *Weekly) { w.Windows = []Window{{"9am", "10:00"}} }, ErrInvalidWindow},
		"no days":        {func(w *Weekly) { w.Days = nil }, ErrInvalidRange},
		"garbled from":   {func(w *Weekly) { w.From = "11/01/2026" }, ErrInvalidRange},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := base
			tc.mut(&w)
			_, err := w.Expand()
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestExpandOneOffs(t *testing.T) {
	occ, err := ExpandOneOffs("America/New_York", []OneOff{
		{Date: "2026-12-01", Window: Window{"18:00", "19:00"}},
		{Date: "2026-11-30", Window: Window{"18:00", "19:15"}},
	})
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, time.Date(2026, 11, 30, 23, 0, 0, 0, time.UTC), occ[0].Start)
	assert.Equal(t, 75*time.Minute, occ[0].Duration())

	_, err = ExpandOneOffs("", []OneOff{{Date: "tomorrow", Window: Window{"18:00", "19:00"}}})
	assert.ErrorIs(t, err, ErrInvalidRange)
}
