package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// CategoryRule maps keywords or patterns to a query type. Rules are evaluated
// in order and the first match wins.
type CategoryRule struct {
	Type     types.QueryType           `yaml:"type" json:"type"`
	Keywords []string                  `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns []string                  `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	MaxWords int                       `yaml:"max_words,omitempty" json:"max_words,omitempty"` // 0 means no limit
	Function types.SpecializedFunction `yaml:"function,omitempty" json:"function,omitempty"`
}

// Rules is the reviewable classification table. It is plain data so it can
// be loaded from YAML and swapped at runtime.
type Rules struct {
	Categories          []CategoryRule `yaml:"categories"`
	ComplexVocabulary   []string       `yaml:"complex_vocabulary"`
	TechnicalVocabulary []string       `yaml:"technical_vocabulary"`
	LiveData            []string       `yaml:"live_data"`
	ClauseMarkers       []string       `yaml:"clause_markers"`
}

// DefaultRules returns the built-in table. Multimodal input is detected from
// the attachment flag, not from text, so it has no entry here.
func DefaultRules() Rules {
	return Rules{
		Categories: []CategoryRule{
			{
				Type: types.QueryMemoryRecall,
				Keywords: []string{
					"remember", "you mentioned", "we discussed", "we talked about", "last time",
					"i told you", "do you recall", "what did i say", "did i tell you",
				},
			},
			{
				Type: types.QueryDateTime,
				Keywords: []string{
					"what time", "what's the time", "current time", "what date", "what's the date",
					"today's date", "what day is it", "what day is today", "time now",
				},
				MaxWords: 8,
			},
			{
				Type: types.QueryCasual,
				Keywords: []string{
					"hi", "hello", "hey", "yo", "thanks", "thank you", "good morning", "good afternoon",
					"good evening", "good night", "how are you", "bye", "goodbye", "ok", "okay", "cool", "nice",
				},
				MaxWords: 5,
			},
			{
				Type: types.QueryEconomicRegime,
				Keywords: []string{
					"economic regime", "regime", "stagflation", "recession", "business cycle",
					"yield curve", "monetary policy", "rate cycle", "macro outlook",
				},
				Function: types.FunctionRegimeAnalysis,
			},
			{
				Type: types.QueryAnomaly,
				Keywords: []string{
					"anomaly", "anomalies", "outlier", "outliers", "abnormal", "unusual activity",
					"irregular", "suspicious",
				},
				Function: types.FunctionAnomalyDetection,
			},
			{
				Type: types.QueryPortfolio,
				Keywords: []string{
					"portfolio", "asset allocation", "rebalance", "rebalancing", "diversify",
					"diversification", "risk parity", "efficient frontier",
				},
				Function: types.FunctionPortfolioOptimization,
			},
			{
				Type: types.QueryRegionFinance,
				Keywords: []string{
					"cambodia", "cambodian", "khmer", "riel", "khr", "phnom penh", "siem reap",
					"microfinance", "nbc",
				},
				Function: types.FunctionRegionAnalysis,
			},
			{
				Type: types.QueryMarket,
				Keywords: []string{
					"stock", "stocks", "market", "markets", "trading", "forex", "crypto",
					"bitcoin", "shares", "etf", "bond", "bonds", "nasdaq", "dow", "equities", "ticker",
				},
			},
			{
				Type: types.QueryComplexAnalysis,
				Keywords: []string{
					"strategy", "comprehensive", "compare", "comparison", "in-depth", "pros and cons",
					"trade-off", "tradeoff", "evaluate", "analyze", "analyse",
				},
			},
		},
		ComplexVocabulary: []string{
			"strategy", "comprehensive", "framework", "implications", "trade-off", "nuanced",
			"multifaceted", "long-term", "scenario", "optimize", "correlation", "hypothesis",
		},
		TechnicalVocabulary: []string{
			"volatility", "derivative", "derivatives", "hedge", "hedging", "liquidity", "leverage",
			"yield", "duration", "beta", "sharpe", "ebitda", "cagr", "amortization", "collateral",
			"covenant", "basis points", "inflation",
		},
		LiveData: []string{
			"today", "now", "current", "currently", "latest", "live", "this week", "price of",
			"news", "right now",
		},
		ClauseMarkers: []string{
			"and", "but", "because", "although", "while", "whereas", "however", "therefore",
			"which", "unless",
		},
	}
}

// compiledRule is a CategoryRule with its matchers built.
type compiledRule struct {
	CategoryRule
	matchers []*regexp.Regexp
}

type compiledRules struct {
	categories []compiledRule
	complex    []*regexp.Regexp
	technical  []*regexp.Regexp
	liveData   []*regexp.Regexp
	clauses    *regexp.Regexp
}

// Validate reports whether r compiles.
func (r Rules) Validate() error {
	_, err := r.compile()
	return err
}

// compile validates r and builds its matchers.
func (r Rules) compile() (*compiledRules, error) {
	out := &compiledRules{}
	for i, cr := range r.Categories {
		if cr.Type == "" {
			return nil, fmt.Errorf("classifier: category rule %d has no type", i)
		}
		if len(cr.Keywords) == 0 && len(cr.Patterns) == 0 {
			return nil, fmt.Errorf("classifier: category %q has no keywords or patterns", cr.Type)
		}
		c := compiledRule{CategoryRule: cr}
		for _, kw := range cr.Keywords {
			re, err := keywordRegexp(kw)
			if err != nil {
				return nil, fmt.Errorf("classifier: category %q: %w", cr.Type, err)
			}
			c.matchers = append(c.matchers, re)
		}
		for _, p := range cr.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("classifier: category %q pattern %q: %w", cr.Type, p, err)
			}
			c.matchers = append(c.matchers, re)
		}
		out.categories = append(out.categories, c)
	}

	var err error
	if out.complex, err = keywordRegexps(r.ComplexVocabulary); err != nil {
		return nil, err
	}
	if out.technical, err = keywordRegexps(r.TechnicalVocabulary); err != nil {
		return nil, err
	}
	if out.liveData, err = keywordRegexps(r.LiveData); err != nil {
		return nil, err
	}
	if len(r.ClauseMarkers) > 0 {
		quoted := make([]string, 0, len(r.ClauseMarkers))
		for _, m := range r.ClauseMarkers {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				return nil, fmt.Errorf("classifier: empty clause marker")
			}
			quoted = append(quoted, regexp.QuoteMeta(m))
		}
		out.clauses = regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b|;`)
	}
	return out, nil
}

// keywordRegexp matches kw as a whole word or phrase in lower-cased text.
func keywordRegexp(kw string) (*regexp.Regexp, error) {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return nil, fmt.Errorf("empty keyword")
	}
	return regexp.Compile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(kw) + `(?:$|[^\p{L}\p{N}])`)
}

func keywordRegexps(kws []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(kws))
	for _, kw := range kws {
		re, err := keywordRegexp(kw)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		out = append(out, re)
	}
	return out, nil
}

// countMatches returns how many matchers hit text.
func countMatches(matchers []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range matchers {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}
