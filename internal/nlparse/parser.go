// Package nlparse turns free-form scheduling requests into tasks.
//
// Phrases are matched against an ordered rule table. The first rule whose
// pattern matches decides the trigger; the text around the match becomes the
// action. Parse never panics on unrecognized input, it reports a failed
// Result carrying example phrasings instead.
package nlparse

import (
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/core"
)

// DefaultMaxRetries is used for parsed tasks unless overridden.
const DefaultMaxRetries = 3

// Result is the outcome of parsing one request.
type Result struct {
	Success    bool       `json:"success"`
	Confidence float64    `json:"confidence"`
	Task       *core.Task `json:"task,omitempty"`
	Error      string     `json:"error,omitempty"`
	Rule       string     `json:"rule,omitempty"`
}

// Option configures a Parser.
type Option func(*Parser)

// WithLocation sets the wall clock that relative days and clock times refer to.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxRetries sets the retry budget of parsed tasks.
func WithMaxRetries(n int) Option {
	return func(p *Parser) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithPlatform sets the delivery platform of parsed message actions.
func WithPlatform(platform string) Option {
	return func(p *Parser) {
		p.platform = platform
	}
}

type Parser struct {
	loc        *time.Location
	now        func() time.Time
	maxRetries int
	platform   string
	rules      []rule
}

func New(opts ...Option) *Parser {
	p := &Parser{
		loc:        time.Local,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		rules:      defaultRules(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location returns the parser's wall clock.
func (p *Parser) Location() *time.Location {
	return p.loc
}

// Examples returns the supported phrasings.
func (p *Parser) Examples() []string {
	return Examples()
}

// Parse converts text into a pending task owned by userID.
func (p *Parser) Parse(text, userID string) Result {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return p.failure("", "empty request")
	}
	lower := strings.ToLower(text)
	// Match spans index into both strings; fall back to lowercase text when
	// case folding changed byte lengths.
	if len(lower) != len(text) {
		text = lower
	}
	in := input{text: text, lower: lower, now: p.now().In(p.loc)}

	for _, r := range p.rules {
		c, span, ok, err := r.apply(p, in)
		if !ok {
			continue
		}
		if err != nil {
			return p.failure(r.name, err.Error())
		}
		rest := text[:span[0]] + " " + text[span[1]:]
		if c.rest != nil {
			rest = *c.rest
		}
		return p.build(r.name, c, rest, userID, in.now)
	}
	return p.failure("", "no time expression recognized")
}

func (p *Parser) build(ruleName string, c candidate, rest, userID string, now time.Time) Result {
	next, err := core.NextRun(c.trigger, now, p.loc)
	if err != nil {
		return p.failure(ruleName, fmt.Sprintf("resolve trigger: %v", err))
	}
	action := inferAction(rest)
	if action.Type == core.ActionSendMessage || action.Type == core.ActionAIRequest {
		action.Platform = p.platform
	}
	if err := action.Validate(); err != nil {
		return p.failure(ruleName, err.Error())
	}
	return Result{
		Success:    true,
		Confidence: c.confidence,
		Rule:       ruleName,
		Task: &core.Task{
			ID:         core.NewID(),
			UserID:     userID,
			Name:       taskName(action),
			Trigger:    c.trigger,
			Action:     action,
			Status:     core.TaskStatusPending,
			NextRunAt:  &next,
			MaxRetries: p.maxRetries,
		},
	}
}

func (p *Parser) failure(ruleName, reason string) Result {
	return Result{
		Rule: ruleName,
		Error: fmt.Sprintf("%s. Try phrasing like %q, %q or %q",
			reason, examples[0], examples[4], examples[7]),
	}
}

// timezone names the parser location for recurring triggers. The process
// local zone has no portable name and is left to the scheduler.
func (p *Parser) timezone() string {
	if p.loc == time.Local {
		return ""
	}
	return p.loc.String()
}
