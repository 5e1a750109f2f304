package types

// QueryType is the category assigned to an inbound message.
type QueryType string

const (
	QueryUnknown         QueryType = "unknown"
	QueryMultimodal      QueryType = "multimodal"
	QueryMemoryRecall    QueryType = "memory_recall"
	QueryDateTime        QueryType = "datetime"
	QueryCasual          QueryType = "casual"
	QueryEconomicRegime  QueryType = "economic_regime"
	QueryAnomaly         QueryType = "anomaly"
	QueryPortfolio       QueryType = "portfolio"
	QueryRegionFinance   QueryType = "region_finance"
	QueryMarket          QueryType = "market"
	QueryComplexAnalysis QueryType = "complex_analysis"
	QueryGeneral         QueryType = "general"
)

// IsSpecialist reports whether t is one of the domain-specialist categories.
func (t QueryType) IsSpecialist() bool {
	switch t {
	case QueryEconomicRegime, QueryAnomaly, QueryPortfolio, QueryRegionFinance:
		return true
	}
	return false
}

// IsFinance reports whether t concerns finance or region-specific analysis.
func (t QueryType) IsFinance() bool {
	return t.IsSpecialist() || t == QueryMarket
}

// Complexity is an ordered scale; compare with Level.
type Complexity string

const (
	ComplexityMinimal Complexity = "minimal"
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityMaximum Complexity = "maximum"
)

// Level returns the position of c on the scale, starting at 0 for minimal.
func (c Complexity) Level() int {
	switch c {
	case ComplexitySimple:
		return 1
	case ComplexityMedium:
		return 2
	case ComplexityComplex:
		return 3
	case ComplexityMaximum:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether c is at or above other on the scale.
func (c Complexity) AtLeast(other Complexity) bool {
	return c.Level() >= other.Level()
}

// Backend identifies which model backend a request prefers.
type Backend string

const (
	// BackendFast is the low-latency generalist.
	BackendFast Backend = "fast"
	// BackendReasoning is the high-capability reasoning model.
	BackendReasoning Backend = "reasoning"
	// BackendBoth requests concurrent dual execution.
	BackendBoth Backend = "both"
)

// SpecializedFunction names a backend variant with its own prompt discipline.
type SpecializedFunction string

const (
	FunctionNone                  SpecializedFunction = ""
	FunctionRegimeAnalysis        SpecializedFunction = "regime_analysis"
	FunctionAnomalyDetection      SpecializedFunction = "anomaly_detection"
	FunctionPortfolioOptimization SpecializedFunction = "portfolio_optimization"
	FunctionRegionAnalysis        SpecializedFunction = "region_analysis"
)

// QueryClassification is the transient routing decision for one request.
// It is derived fresh per request and never cached.
type QueryClassification struct {
	Type                QueryType           `json:"type"`
	Complexity          Complexity          `json:"complexity"`
	PreferredBackend    Backend             `json:"preferred_backend"`
	SpecializedFunction SpecializedFunction `json:"specialized_function,omitempty"`
	Confidence          float64             `json:"confidence"`
	NeedsLiveData       bool                `json:"needs_live_data"`
	IsMemoryRelevant    bool                `json:"is_memory_relevant"`
	MaxResponseTokens   int                 `json:"max_response_tokens"`
	Score               int                 `json:"score"`
}

// DefaultClassification is used when the input cannot be classified.
func DefaultClassification() QueryClassification {
	return QueryClassification{
		Type:              QueryGeneral,
		Complexity:        ComplexityMinimal,
		PreferredBackend:  BackendFast,
		Confidence:        0.3,
		MaxResponseTokens: 600,
	}
}
