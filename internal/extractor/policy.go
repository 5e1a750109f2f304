package extractor

import (
	"regexp"
	"strings"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Policy decides whether an exchange is persisted. The trigger phrases and
// thresholds are configuration, loadable from the rules file.
type Policy struct {
	Triggers            []string `yaml:"triggers"`
	ResponseThreshold   int      `yaml:"response_threshold"`
	SpecialistThreshold int      `yaml:"specialist_threshold"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Triggers: []string{
			"remember", "don't forget", "my name", "i am", "i'm", "my goal", "i want to",
			"i plan to", "i live", "i work", "important", "note that", "i prefer",
		},
		ResponseThreshold:   500,
		SpecialistThreshold: 200,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Triggers == nil {
		p.Triggers = d.Triggers
	}
	if p.ResponseThreshold <= 0 {
		p.ResponseThreshold = d.ResponseThreshold
	}
	if p.SpecialistThreshold <= 0 {
		p.SpecialistThreshold = d.SpecialistThreshold
	}
	lowered := make([]string, 0, len(p.Triggers))
	for _, t := range p.Triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	p.Triggers = lowered
	return p
}

// Decision explains a ShouldPersist verdict.
type Decision struct {
	Persist bool   `json:"persist"`
	Reason  string `json:"reason,omitempty"`
}

// ShouldPersist applies the persistence policy to one exchange: any trigger
// phrase in the user message, or a long response, or a finance/region
// response above the lower threshold.
func (e *Extractor) ShouldPersist(userMessage, modelResponse string, qtype types.QueryType) Decision {
	ap := e.policy.Load()
	p := ap.Policy
	lower := strings.ToLower(userMessage)
	for i, re := range ap.triggers {
		if re.MatchString(lower) {
			return Decision{Persist: true, Reason: "trigger:" + p.Triggers[i]}
		}
	}
	n := len([]rune(modelResponse))
	if n > p.ResponseThreshold {
		return Decision{Persist: true, Reason: "long_response"}
	}
	if qtype.IsFinance() && n > p.SpecialistThreshold {
		return Decision{Persist: true, Reason: "finance_response"}
	}
	return Decision{}
}

// triggerRegexp matches a lower-cased trigger as a whole word or phrase, so
// "important" does not fire on "unimportant".
func triggerRegexp(t string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(t) + `(?:$|[^\p{L}\p{N}])`)
}
