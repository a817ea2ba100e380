// Package schedule turns guide availability into concrete occurrences.
// Weekly patterns and one-off dates are expressed on the guide's local
// clock and materialized into UTC instants, so daylight saving shifts are
// applied per date rather than once per pattern.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"

	// MaxSpan bounds a single weekly materialization.
	MaxSpan = 366 * 24 * time.Hour
)

var (
	ErrInvalidWindow   = errors.New("invalid time window")
	ErrInvalidRange    = errors.New("invalid date range")
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidWeekday  = errors.New("invalid weekday")
)

// Window is a local-clock interval such as {"09:00", "10:30"}.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Weekly repeats every window on every listed weekday between From and
// Until, both inclusive calendar dates.
type Weekly struct {
	Days     []time.Weekday `json:"days"`
	Windows  []Window       `json:"windows"`
	Timezone string         `json:"timezone"`
	From     string         `json:"from"`
	Until    string         `json:"until"`
}

// OneOff is a single window on a specific date.
type OneOff struct {
	Date string `json:"date"`
	Window
}

// Occurrence is one materialized window in UTC.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Duration of the occurrence.
func (o Occurrence) Duration() time.Duration { return o.End.Sub(o.Start) }

// LoadLocation resolves an IANA zone name; the empty string means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// Expand materializes the pattern.  Results are ordered by start time and
// free of duplicates.
func (w Weekly) Expand() ([]Occurrence, error) {
	loc, err := LoadLocation(w.Timezone)
	if err != nil {
		return nil, err
	}
	from, err := time.ParseInLocation(dateLayout, w.From, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: from %q", ErrInvalidRange, w.From)
	}
	until, err := time.ParseInLocation(dateLayout, w.Until, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: until %q", ErrInvalidRange, w.Until)
	}
	if until.Before(from) || until.Sub(from) > MaxSpan {
		return nil, fmt.Errorf("%w: %s..%s", ErrInvalidRange, w.From, w.Until)
	}
	if len(w.Days) == 0 || len(w.Windows) == 0 {
		return nil, fmt.Errorf("%w: days and windows are required", ErrInvalidRange)
	}

	days := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
		}
		days[d] = true
	}
	clocks, err := parseWindows(w.Windows)
	if err != nil {
		return nil, err
	}

	var out []Occurrence
	for day := from; !day.After(until); day = day.AddDate(0, 0, 1) {
		if !days[day.Weekday()] {
			continue
		}
		for _, c := range clocks {
			out = append(out, c.on(day, loc))
		}
	}
	return normalize(out), nil
}

// ExpandOneOffs materializes explicit dates in the given zone.
func ExpandOneOffs(timezone string, items []OneOff) ([]Occurrence, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	out := make([]Occurrence, 0, len(items))
	for _, it := range items {
		day, err := time.ParseInLocation(dateLayout, it.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidRange, it.Date)
		}
		c, err := parseWindow(it.Window)
		if err != nil {
			return nil, err
		}
		out = append(out, c.on(day, loc))
	}
	return normalize(out), nil
}

type clockWindow struct {
	startH, startM int
	endH, endM     int
}

func (c clockWindow) on(day time.Time, loc *time.Location) Occurrence {
	y, m, d := day.Date()
	return Occurrence{
		Start: time.Date(y, m, d, c.startH, c.startM, 0, 0, loc).UTC(),
		End:   time.Date(y, m, d, c.endH, c.endM, 0, 0, loc).UTC(),
	}
}

func parseWindows(ws []Window) ([]clockWindow, error) {
	out := make([]clockWindow, 0, len(ws))
	for _, w := range ws {
		c, err := parseWindow(w)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseWindow(w Window) (clockWindow, error) {
	s, err := time.Parse(clockLayout, w.Start)
	if err != nil {
		return clockWindow{}, fmt.Errorf("%w: start %q", ErrInvalidWindow, w.Start)
	}
	e, err := time.Parse(clockLayout, w.End)
	if err != nil {
		return clockWindow{}, fmt.Errorf("%w: end %q", ErrInvalidWindow, w.End)
	}
	if !e.After(s) {
		return clockWindow{}, fmt.Errorf("%w: %s-%s ends before it starts", ErrInvalidWindow, w.Start, w.End)
	}
	return clockWindow{startH: s.Hour(), startM: s.Minute(), endH: e.Hour(), endM: e.Minute()}, nil
}

func normalize(in []Occurrence) []Occurrence {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start.Equal(in[j].Start) {
			return in[i].End.Before(in[j].End)
		}
		return in[i].Start.Before(in[j].Start)
	})
	out := in[:0]
	for i, o := range in {
		if i > 0 && o.Start.Equal(out[len(out)-1].Start) && o.End.Equal(out[len(out)-1].End) {
			continue
		}
		out = append(out, o)
	}
	return out
}
