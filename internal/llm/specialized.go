package llm

import (
	"context"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// Specialization describes a specialized function: which base backend it
// runs on and the prompt discipline it adds.
type Specialization struct {
	Function    types.SpecializedFunction
	Base        types.Backend
	System      string
	Temperature float64
}

// DefaultSpecializations are the built-in specialized functions.
func DefaultSpecializations() []Specialization {
	return []Specialization{
		{
			Function:    types.FunctionRegimeAnalysis,
			Base:        types.BackendReasoning,
			Temperature: 0.3,
			System: "You are a macroeconomic analyst. Identify the current economic regime " +
				"(growth, inflation, policy stance), state the evidence for it, and explain what " +
				"it implies for the user's decisions. Be explicit about uncertainty.",
		},
		{
			Function:    types.FunctionAnomalyDetection,
			Base:        types.BackendReasoning,
			Temperature: 0.2,
			System: "You are a financial risk analyst. Look for anomalies, outliers and " +
				"inconsistent figures in what the user describes. List each finding with the " +
				"reason it stands out and a concrete check the user can run.",
		},
		{
			Function:    types.FunctionPortfolioOptimization,
			Base:        types.BackendReasoning,
			Temperature: 0.3,
			System: "You are a portfolio strategist. Discuss allocation, diversification and " +
				"rebalancing in terms of the user's stated goals and risk tolerance. Give ranges, " +
				"not single-point forecasts.",
		},
		{
			Function:    types.FunctionRegionAnalysis,
			Base:        types.BackendReasoning,
			Temperature: 0.3,
			System: "You are an analyst specialised in Cambodian and regional Southeast Asian " +
				"finance: the riel and dollarisation, National Bank of Cambodia policy, lending and " +
				"microfinance markets. Answer with local context first.",
		},
	}
}

// Specialized is a backend variant carrying its own system prompt and
// temperature. It shares the base backend's timeout, limiter and breaker.
type Specialized struct {
	base Backend
	def  Specialization
}

var _ Backend = (*Specialized)(nil)

// NewSpecialized binds sp to base.
func NewSpecialized(base Backend, sp Specialization) *Specialized {
	return &Specialized{base: base, def: sp}
}

func (s *Specialized) Name() string     { return string(s.def.Function) }
func (s *Specialized) Provider() string { return s.base.Provider() }

// Invoke prefixes the specialization's system prompt.
func (s *Specialized) Invoke(ctx context.Context, req Request) (string, error) {
	if req.System == "" {
		req.System = s.def.System
	} else {
		req.System = s.def.System + "\n\n" + req.System
	}
	if s.def.Temperature > 0 {
		req.Temperature = s.def.Temperature
	}
	return s.base.Invoke(ctx, req)
}

// BindSpecializations builds the specialized variants over the configured
// base backends. Specializations whose base is missing are skipped.
func BindSpecializations(bases map[types.Backend]Backend, specs []Specialization) map[types.SpecializedFunction]Backend {
	out := make(map[types.SpecializedFunction]Backend, len(specs))
	for _, s := range specs {
		base, ok := bases[s.Base]
		if !ok || base == nil {
			continue
		}
		out[s.Function] = NewSpecialized(base, s)
	}
	return out
}
