// Package extractor derives durable fact candidates from one exchange and
// decides whether the exchange is worth persisting at all.
package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Length window for a finished fact text. Shorter candidates are degenerate,
// longer ones are almost always a runaway capture.
const (
	MinFactLength = 8
	MaxFactLength = 300
)

// trimSet is stripped from both ends of a captured phrase.
const trimSet = " \t.,!?:;\"'*_`()[]"

// Extractor runs a rule table and a persistence policy.
type Extractor struct {
	rules  []Rule
	policy atomic.Pointer[activePolicy]
}

// activePolicy pairs a policy with its compiled trigger matchers.
type activePolicy struct {
	Policy
	triggers []*regexp.Regexp
}

// New builds an extractor. A nil rule slice selects DefaultRules.
func New(rules []Rule, policy Policy) *Extractor {
	if rules == nil {
		rules = DefaultRules
	}
	e := &Extractor{rules: rules}
	e.SetPolicy(policy)
	return e
}

// NewDefault uses DefaultRules and DefaultPolicy.
func NewDefault() *Extractor {
	return New(nil, DefaultPolicy())
}

// SetPolicy swaps the persistence policy.
func (e *Extractor) SetPolicy(p Policy) {
	p = p.withDefaults()
	ap := &activePolicy{Policy: p, triggers: make([]*regexp.Regexp, len(p.Triggers))}
	for i, t := range p.Triggers {
		ap.triggers[i] = triggerRegexp(t)
	}
	e.policy.Store(ap)
}

// Policy returns the active persistence policy.
func (e *Extractor) Policy() Policy {
	return e.policy.Load().Policy
}

// Extract returns fact candidates from the exchange. It is pure; persisting
// them is the caller's job. Candidates with the same normalized text are
// collapsed, keeping the first.
func (e *Extractor) Extract(userMessage, modelResponse string) []types.FactCandidate {
	var out []types.FactCandidate
	seen := make(map[string]bool)

	for _, rule := range e.rules {
		input := userMessage
		if rule.Source == FromResponse {
			input = modelResponse
		}
		if input == "" {
			continue
		}
		m := rule.Pattern.FindStringSubmatch(input)
		if len(m) < 2 {
			continue
		}
		phrase := cleanPhrase(m[1])
		if phrase == "" {
			continue
		}
		text := fmt.Sprintf(rule.Template, phrase)
		if !withinWindow(text) {
			continue
		}
		key := storage.NormalizeFact(text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.FactCandidate{
			FactText:   text,
			Importance: rule.Importance,
			Category:   rule.Category,
			Rule:       rule.Label,
		})
	}
	return out
}

// cleanPhrase trims punctuation and collapses whitespace in a capture.
func cleanPhrase(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, trimSet)
}

func withinWindow(text string) bool {
	n := len([]rune(text))
	return n >= MinFactLength && n <= MaxFactLength
}
