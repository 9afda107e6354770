package nlparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// clockPattern matches the clock grammar: H, H:MM, Ham, H:MMpm, noon, midnight.
const clockPattern = `(?:noon|midnight|\d{1,2}(?::\d{2})?(?:\s*[ap]\.?m\.?)?)`

type meridiem int

const (
	noMeridiem meridiem = iota
	meridiemAM
	meridiemPM
)

// defaultHour is substituted when a day is named without a time.
const defaultHour = 9

type clock struct {
	hour        int
	minute      int
	minuteGiven bool
	mer         meridiem
	named       bool
}

type hm struct{ hour, minute int }

func parseClock(s string) (clock, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	switch raw {
	case "noon":
		return clock{hour: 12, mer: meridiemPM, named: true, minuteGiven: true}, nil
	case "midnight":
		return clock{hour: 12, mer: meridiemAM, named: true, minuteGiven: true}, nil
	}
	v := strings.NewReplacer(".", "", " ", "").Replace(raw)
	var c clock
	switch {
	case strings.HasSuffix(v, "am"):
		c.mer, v = meridiemAM, strings.TrimSuffix(v, "am")
	case strings.HasSuffix(v, "pm"):
		c.mer, v = meridiemPM, strings.TrimSuffix(v, "pm")
	}
	hourPart, minutePart, hasMinute := strings.Cut(v, ":")
	h, err := strconv.Atoi(hourPart)
	if err != nil {
		return clock{}, fmt.Errorf("invalid time %q", s)
	}
	c.hour = h
	if hasMinute {
		m, err := strconv.Atoi(minutePart)
		if err != nil || m < 0 || m > 59 {
			return clock{}, fmt.Errorf("invalid minute in %q", s)
		}
		c.minute, c.minuteGiven = m, true
	}
	if c.mer != noMeridiem {
		if h < 1 || h > 12 {
			return clock{}, fmt.Errorf("invalid hour in %q", s)
		}
	} else if h < 0 || h > 23 {
		return clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	return c, nil
}

func (c clock) ambiguous() bool {
	return c.mer == noMeridiem && c.hour >= 1 && c.hour <= 12
}

// candidates lists the 24h wall-clock readings the clock may mean.
func (c clock) candidates(hint meridiem) []hm {
	switch {
	case c.mer == meridiemAM:
		return []hm{{c.hour % 12, c.minute}}
	case c.mer == meridiemPM:
		return []hm{{c.hour%12 + 12, c.minute}}
	case !c.ambiguous():
		return []hm{{c.hour, c.minute}}
	case hint == meridiemPM:
		return []hm{{c.hour%12 + 12, c.minute}}
	default:
		return []hm{{c.hour % 12, c.minute}, {c.hour%12 + 12, c.minute}}
	}
}

func (c clock) confidence() float64 {
	switch {
	case c.named || c.mer != noMeridiem:
		return 1.0
	case !c.ambiguous() && c.minuteGiven:
		return 1.0
	case !c.ambiguous():
		return 0.8
	case c.minuteGiven:
		return 0.7
	default:
		return 0.6
	}
}

func at(day time.Time, t hm, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.hour, t.minute, 0, 0, loc)
}

// earliestOnDay returns the earliest candidate reading on day that is
// strictly after now.
func earliestOnDay(day time.Time, cands []hm, now time.Time, loc *time.Location) (time.Time, bool) {
	var best time.Time
	for _, cand := range cands {
		t := at(day, cand, loc)
		if !t.After(now) {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best, !best.IsZero()
}

// nextDaily returns the candidate whose next daily occurrence is nearest.
func nextDaily(cands []hm, now time.Time, loc *time.Location) hm {
	best, bestAt := cands[0], time.Time{}
	for _, cand := range cands {
		t := at(now, cand, loc)
		if !t.After(now) {
			t = at(now.AddDate(0, 0, 1), cand, loc)
		}
		if bestAt.IsZero() || t.Before(bestAt) {
			best, bestAt = cand, t
		}
	}
	return best
}
