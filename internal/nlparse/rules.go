package nlparse

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/core"
)

const (
	RuleRelative          = "relative"
	RuleAbsoluteDay       = "absolute_day"
	RuleRecurringDay      = "recurring_day"
	RuleRecurringInterval = "recurring_interval"
	RuleScheduleFor       = "schedule_for"
	RuleClockTime         = "clock_time"
)

// errSkip tells the matcher to try the next regexp match of the same rule.
var errSkip = errors.New("skip match")

const (
	countWords   = `\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve`
	unitWords    = `minutes?|mins?|hours?|hrs?|days?|weeks?`
	weekdayWords = `monday|tuesday|wednesday|thursday|friday|saturday|sunday`
	weekdayList  = `(?:` + weekdayWords + `)s?(?:\s*(?:,|and|&)\s*(?:` + weekdayWords + `)s?)*`
)

var (
	relativeRe = regexp.MustCompile(`\bin\s+(` + countWords + `)\s+(` + unitWords + `)\b`)
	absoluteRe = regexp.MustCompile(`(?:\bat\s+(` + clockPattern + `)\s+)?\b(today|tonight|tomorrow|(?:(next|this|on)\s+)?(` + weekdayWords + `))\b(?:\s+at\s+(` + clockPattern + `))?`)
	dailyRe    = regexp.MustCompile(`(?:\bat\s+(` + clockPattern + `)\s+)?\b(?:every\s+(day|weekday|weekend|` + weekdayList + `)|(daily))\b(?:\s+at\s+(` + clockPattern + `))?`)
	intervalRe = regexp.MustCompile(`\bevery\s+(?:(` + countWords + `|other)\s+)?(` + unitWords + `)\b`)
	scheduleRe = regexp.MustCompile(`\bschedule\s+(.+?)\s+for\s+(.+)$`)
	clockAtRe  = regexp.MustCompile(`\bat\s+(` + clockPattern + `)`)
	bareClock  = regexp.MustCompile(`^` + clockPattern + `$`)
	weekdayRe  = regexp.MustCompile(weekdayWords)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "other": 2,
}

// input is the normalized text handed to every rule.
type input struct {
	text  string
	lower string
	now   time.Time
}

// candidate is what a rule extracts: a trigger, its confidence and optionally
// the action text when it is not simply the text around the match.
type candidate struct {
	trigger    core.Trigger
	confidence float64
	rest       *string
}

type rule struct {
	name  string
	re    *regexp.Regexp
	build func(p *Parser, in input, m []int) (candidate, error)
}

// apply runs the rule against in. ok is false when nothing matched.
func (r rule) apply(p *Parser, in input) (candidate, []int, bool, error) {
	for _, m := range r.re.FindAllStringSubmatchIndex(in.lower, -1) {
		c, err := r.build(p, in, m)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return candidate{}, nil, true, err
		}
		return c, m[:2], true, nil
	}
	return candidate{}, nil, false, nil
}

func defaultRules() []rule {
	return []rule{
		{name: RuleRelative, re: relativeRe, build: buildRelative},
		{name: RuleAbsoluteDay, re: absoluteRe, build: buildAbsoluteDay},
		{name: RuleRecurringDay, re: dailyRe, build: buildRecurringDay},
		{name: RuleRecurringInterval, re: intervalRe, build: buildInterval},
		{name: RuleScheduleFor, re: scheduleRe, build: buildScheduleFor},
		{name: RuleClockTime, re: clockAtRe, build: buildClockTime},
	}
}

func group(s string, m []int, i int) string {
	if m[2*i] < 0 {
		return ""
	}
	return s[m[2*i]:m[2*i+1]]
}

func parseCount(s string) (int, error) {
	if n, ok := numberWords[s]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return n, nil
}

// maxOffset bounds relative offsets and intervals. Larger counts would
// overflow time.Duration.
const maxOffset = 10 * 365 * 24 * time.Hour

type unit struct {
	d    time.Duration
	days int
}

// times returns n units as a duration, rejecting counts beyond maxOffset.
func (u unit) times(n int) (time.Duration, error) {
	per := u.d
	if u.days > 0 {
		per = time.Duration(u.days) * 24 * time.Hour
	}
	if int64(n) > int64(maxOffset/per) {
		return 0, fmt.Errorf("count %d is out of range, the limit is %d", n, int64(maxOffset/per))
	}
	return time.Duration(n) * per, nil
}

func parseUnit(s string) unit {
	switch {
	case strings.HasPrefix(s, "min"):
		return unit{d: time.Minute}
	case strings.HasPrefix(s, "h"):
		return unit{d: time.Hour}
	case strings.HasPrefix(s, "day"):
		return unit{days: 1}
	default:
		return unit{days: 7}
	}
}

func buildRelative(p *Parser, in input, m []int) (candidate, error) {
	n, err := parseCount(group(in.lower, m, 1))
	if err != nil {
		return candidate{}, err
	}
	u := parseUnit(group(in.lower, m, 2))
	offset, err := u.times(n)
	if err != nil {
		return candidate{}, err
	}
	var when time.Time
	if u.days > 0 {
		when = in.now.AddDate(0, 0, n*u.days)
	} else {
		when = in.now.Add(offset)
	}
	return candidate{trigger: core.OneOff(when.UTC()), confidence: 1.0}, nil
}

func clockGroups(in input, m []int, before, after int) (*clock, error) {
	raw := group(in.lower, m, after)
	if raw == "" {
		raw = group(in.lower, m, before)
	}
	if raw == "" {
		return nil, nil
	}
	c, err := parseClock(raw)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func precededByRecurrence(in input, start int) bool {
	head := in.lower[:start]
	return strings.Contains(head, "every ") || strings.Contains(head, "daily")
}

func buildAbsoluteDay(p *Parser, in input, m []int) (candidate, error) {
	if precededByRecurrence(in, m[0]) {
		return candidate{}, errSkip
	}
	c, err := clockGroups(in, m, 1, 5)
	if err != nil {
		return candidate{}, err
	}
	token, modifier, weekday := group(in.lower, m, 2), group(in.lower, m, 3), group(in.lower, m, 4)

	hint := noMeridiem
	cands := []hm{{defaultHour, 0}}
	confidence := 0.5
	if token == "tonight" {
		hint = meridiemPM
		cands = []hm{{20, 0}}
	}
	if c != nil {
		cands = c.candidates(hint)
		confidence = c.confidence()
	}

	today := in.now
	var day time.Time
	step := 1
	switch {
	case token == "today" || token == "tonight":
		day = today
	case token == "tomorrow":
		day = today.AddDate(0, 0, 1)
	default:
		step = 7
		ahead := (int(weekdays[weekday]) - int(today.Weekday()) + 7) % 7
		if ahead == 0 && modifier == "next" {
			ahead = 7
		}
		day = today.AddDate(0, 0, ahead)
	}
	when, ok := earliestOnDay(day, cands, in.now, p.loc)
	if !ok {
		when, _ = earliestOnDay(day.AddDate(0, 0, step), cands, in.now, p.loc)
	}
	return candidate{trigger: core.OneOff(when.UTC()), confidence: confidence}, nil
}

func buildRecurringDay(p *Parser, in input, m []int) (candidate, error) {
	c, err := clockGroups(in, m, 1, 4)
	if err != nil {
		return candidate{}, err
	}
	target := group(in.lower, m, 2)
	if group(in.lower, m, 3) != "" {
		target = "day"
	}

	t := hm{defaultHour, 0}
	confidence := 0.5
	if c != nil {
		t = nextDaily(c.candidates(noMeridiem), in.now, p.loc)
		confidence = c.confidence()
	}

	var dow string
	switch target {
	case "day":
		dow = "*"
	case "weekday":
		dow = "1-5"
	case "weekend":
		dow = "0,6"
	default:
		dow = weekdayField(target)
	}
	trigger := core.Recurring(fmt.Sprintf("%d %d * * %s", t.minute, t.hour, dow))
	trigger.Timezone = p.timezone()
	return candidate{trigger: trigger, confidence: confidence}, nil
}

func weekdayField(list string) string {
	seen := map[int]bool{}
	var days []int
	for _, name := range weekdayRe.FindAllString(list, -1) {
		d := int(weekdays[name])
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func buildInterval(p *Parser, in input, m []int) (candidate, error) {
	n := 1
	if raw := group(in.lower, m, 1); raw != "" {
		var err error
		if n, err = parseCount(raw); err != nil {
			return candidate{}, err
		}
	}
	every, err := parseUnit(group(in.lower, m, 2)).times(n)
	if err != nil {
		return candidate{}, err
	}
	return candidate{trigger: core.Interval(every), confidence: 1.0}, nil
}

// buildScheduleFor parses "schedule X for <time>": the time phrase goes
// through the relative, absolute-day and clock rules, X becomes the action.
func buildScheduleFor(p *Parser, in input, m []int) (candidate, error) {
	subject := strings.TrimSpace(in.text[m[2]:m[3]])
	phrase := input{text: in.text[m[4]:m[5]], lower: in.lower[m[4]:m[5]], now: in.now}

	for _, r := range []rule{
		{name: RuleRelative, re: relativeRe, build: buildRelative},
		{name: RuleAbsoluteDay, re: absoluteRe, build: buildAbsoluteDay},
		{name: RuleClockTime, re: clockAtRe, build: buildClockTime},
	} {
		c, span, ok, err := r.apply(p, phrase)
		if !ok {
			continue
		}
		if err != nil {
			return candidate{}, err
		}
		rest := strings.TrimSpace(subject + " " + phrase.text[:span[0]] + " " + phrase.text[span[1]:])
		c.rest = &rest
		return c, nil
	}

	raw := strings.TrimSpace(phrase.lower)
	if !bareClock.MatchString(raw) {
		return candidate{}, errSkip
	}
	cl, err := parseClock(raw)
	if err != nil {
		return candidate{}, err
	}
	c := nextClock(p, in.now, cl)
	c.rest = &subject
	return c, nil
}

func buildClockTime(p *Parser, in input, m []int) (candidate, error) {
	c, err := parseClock(group(in.lower, m, 1))
	if err != nil {
		return candidate{}, err
	}
	return nextClock(p, in.now, c), nil
}

// nextClock resolves a bare clock time to its next occurrence, today or tomorrow.
func nextClock(p *Parser, now time.Time, c clock) candidate {
	cands := c.candidates(noMeridiem)
	when, ok := earliestOnDay(now, cands, now, p.loc)
	if !ok {
		when, _ = earliestOnDay(now.AddDate(0, 0, 1), cands, now, p.loc)
	}
	return candidate{trigger: core.OneOff(when.UTC()), confidence: c.confidence()}
}
