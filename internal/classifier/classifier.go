// Package classifier derives the per-request routing decision for an inbound
// message. Classification is a pure function of the text, the attachment flag
// and whether prior conversation context exists.
package classifier

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Input is everything the classifier looks at.
type Input struct {
	Text          string
	HasAttachment bool
	// PriorContext reports a long conversation history for the user.
	PriorContext bool
}

// Classifier applies a rule table. The table can be replaced at runtime with
// SetRules; a given table always yields the same result for the same input.
type Classifier struct {
	rules atomic.Pointer[compiledRules]
}

// New builds a classifier from rules.
func New(rules Rules) (*Classifier, error) {
	c := &Classifier{}
	if err := c.SetRules(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDefault builds a classifier from DefaultRules. The built-in table is
// known to compile, so it panics on error.
func NewDefault() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("classifier: default rules: %v", err))
	}
	return c
}

// SetRules compiles and atomically installs rules. On error the previous
// table stays active.
func (c *Classifier) SetRules(rules Rules) error {
	compiled, err := rules.compile()
	if err != nil {
		return err
	}
	c.rules.Store(compiled)
	return nil
}

// Classify is the text-only entry point.
func (c *Classifier) Classify(text string, priorContextAvailable bool) types.QueryClassification {
	return c.ClassifyInput(Input{Text: text, PriorContext: priorContextAvailable})
}

// ClassifyInput classifies one request.
func (c *Classifier) ClassifyInput(in Input) types.QueryClassification {
	text := normalize(in.Text)
	if text == "" && !in.HasAttachment {
		return types.QueryClassification{
			Type:              types.QueryUnknown,
			Complexity:        types.ComplexityMinimal,
			PreferredBackend:  types.BackendFast,
			Confidence:        0,
			MaxResponseTokens: maxTokens(types.QueryUnknown, types.ComplexityMinimal),
		}
	}

	rules := c.rules.Load()
	words := len(strings.Fields(text))

	qtype := types.QueryGeneral
	var fn types.SpecializedFunction
	hits := 0
	if in.HasAttachment {
		qtype = types.QueryMultimodal
		hits = 1
	} else {
		for _, rule := range rules.categories {
			if rule.MaxWords > 0 && words > rule.MaxWords {
				continue
			}
			if n := countMatches(rule.matchers, text); n > 0 {
				qtype, fn, hits = rule.Type, rule.Function, n
				break
			}
		}
	}

	score := complexityScore(rules, text)
	complexity := bucket(score)
	needsLive := qtype == types.QueryDateTime || qtype == types.QueryMarket ||
		countMatches(rules.liveData, text) > 0

	return types.QueryClassification{
		Type:                qtype,
		Complexity:          complexity,
		PreferredBackend:    preferBackend(qtype, complexity, in.PriorContext),
		SpecializedFunction: fn,
		Confidence:          confidence(qtype, hits),
		NeedsLiveData:       needsLive,
		IsMemoryRelevant:    memoryRelevant(qtype, in.PriorContext),
		MaxResponseTokens:   maxTokens(qtype, complexity),
		Score:               score,
	}
}

// normalize lower-cases and collapses whitespace.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// preferBackend implements the routing policy: specialists and heavy
// queries go to the reasoning model, light ones to the fast model, and a
// complex specialist query with history runs on both.
func preferBackend(t types.QueryType, c types.Complexity, prior bool) types.Backend {
	heavy := c.AtLeast(types.ComplexityComplex)
	switch {
	case t.IsSpecialist() && heavy && prior:
		return types.BackendBoth
	case t == types.QueryMultimodal, t.IsSpecialist(), t == types.QueryComplexAnalysis:
		return types.BackendReasoning
	case t == types.QueryCasual, t == types.QueryDateTime:
		return types.BackendFast
	case heavy:
		return types.BackendReasoning
	default:
		return types.BackendFast
	}
}

func confidence(t types.QueryType, hits int) float64 {
	switch {
	case t == types.QueryMultimodal:
		return 0.95
	case t == types.QueryGeneral:
		return 0.5
	case hits <= 0:
		return 0.3
	}
	extra := hits - 1
	if extra > 3 {
		extra = 3
	}
	return 0.6 + 0.1*float64(extra)
}

func memoryRelevant(t types.QueryType, prior bool) bool {
	switch t {
	case types.QueryMemoryRecall:
		return true
	case types.QueryCasual, types.QueryDateTime, types.QueryUnknown:
		return false
	}
	return prior
}

// maxTokens sizes the response budget from complexity, with caps for the
// categories that never need long answers.
func maxTokens(t types.QueryType, c types.Complexity) int {
	switch t {
	case types.QueryDateTime, types.QueryUnknown:
		return 150
	case types.QueryCasual:
		return 300
	}
	switch c {
	case types.ComplexityMinimal:
		return 300
	case types.ComplexitySimple:
		return 600
	case types.ComplexityMedium:
		return 1200
	case types.ComplexityComplex:
		return 2500
	default:
		return 4000
	}
}
