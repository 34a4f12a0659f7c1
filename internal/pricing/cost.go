package pricing

import (
	"github.com/shopspring/decimal"
)

// Usage is the normalized token count set extracted from a provider response.
// Input is the grand total as providers report it; cache classes are subsets.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	Estimated           bool
}

func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

type CostBreakdown struct {
	InputCost         decimal.Decimal
	OutputCost        decimal.Decimal
	CacheCreationCost decimal.Decimal
	CacheReadCost     decimal.Decimal
	Total             decimal.Decimal
	PricingSource     string
}

var mTok = decimal.NewFromInt(1_000_000)

// Cost computes the USD cost of a request. Regular input tokens are the
// reported input total minus the cache classes, floored at zero. The total is
// rounded half-up to six decimals.
func (t *Table) Cost(provider, model string, usage Usage) CostBreakdown {
	price, source := t.Lookup(provider, model)

	regularInput := usage.InputTokens - usage.CacheCreationTokens - usage.CacheReadTokens
	if regularInput < 0 {
		regularInput = 0
	}

	b := CostBreakdown{
		InputCost:         tokenCost(regularInput, price.Input),
		OutputCost:        tokenCost(usage.OutputTokens, price.Output),
		CacheCreationCost: tokenCost(usage.CacheCreationTokens, price.CacheCreation),
		CacheReadCost:     tokenCost(usage.CacheReadTokens, price.CacheRead),
		PricingSource:     source,
	}
	b.Total = b.InputCost.
		Add(b.OutputCost).
		Add(b.CacheCreationCost).
		Add(b.CacheReadCost).
		Round(6)
	return b
}

func tokenCost(tokens int, perMTok decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(tokens)).Mul(perMTok).Div(mTok)
}
