package pricing

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Price holds per-million-token USD prices for the four token classes.
type Price struct {
	Input         decimal.Decimal
	Output        decimal.Decimal
	CacheCreation decimal.Decimal
	CacheRead     decimal.Decimal
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// defaultPrice is the conservative fallback for unknown models.
var defaultPrice = Price{
	Input:         usd("3"),
	Output:        usd("15"),
	CacheCreation: usd("3.75"),
	CacheRead:     usd("0.30"),
}

var defaultTable = map[string]map[string]Price{
	"anthropic": {
		"claude-opus-4-20250514":   {Input: usd("15"), Output: usd("75"), CacheCreation: usd("18.75"), CacheRead: usd("1.50")},
		"claude-sonnet-4-20250514": {Input: usd("3"), Output: usd("15"), CacheCreation: usd("3.75"), CacheRead: usd("0.30")},
		"claude-3-7-sonnet-20250219": {Input: usd("3"), Output: usd("15"), CacheCreation: usd("3.75"), CacheRead: usd("0.30")},
		"claude-3-5-haiku-20241022": {Input: usd("0.80"), Output: usd("4"), CacheCreation: usd("1"), CacheRead: usd("0.08")},
		"claude-haiku":              {Input: usd("0.80"), Output: usd("4"), CacheCreation: usd("1"), CacheRead: usd("0.08")},
		"claude-sonnet":             {Input: usd("3"), Output: usd("15"), CacheCreation: usd("3.75"), CacheRead: usd("0.30")},
	},
	"openai": {
		"gpt-4o":      {Input: usd("2.50"), Output: usd("10"), CacheRead: usd("1.25")},
		"gpt-4o-mini": {Input: usd("0.15"), Output: usd("0.60"), CacheRead: usd("0.075")},
		"gpt-4.1":     {Input: usd("2"), Output: usd("8"), CacheRead: usd("0.50")},
		"o3-mini":     {Input: usd("1.10"), Output: usd("4.40"), CacheRead: usd("0.55")},
	},
	"google": {
		"gemini-2.0-flash":  {Input: usd("0.10"), Output: usd("0.40"), CacheRead: usd("0.025")},
		"gemini-1.5-pro":    {Input: usd("1.25"), Output: usd("5"), CacheRead: usd("0.3125")},
		"gemini-1.5-flash":  {Input: usd("0.075"), Output: usd("0.30"), CacheRead: usd("0.01875")},
	},
}

// Table is the static (provider, model) price lookup. Lookups for unknown
// models fall back to a conservative default and report source "estimated".
type Table struct {
	mu     sync.RWMutex
	prices map[string]map[string]Price
	logger *zap.Logger
}

func NewTable(logger *zap.Logger) *Table {
	prices := make(map[string]map[string]Price, len(defaultTable))
	for provider, models := range defaultTable {
		prices[provider] = make(map[string]Price, len(models))
		for model, p := range models {
			prices[provider][model] = p
		}
	}
	return &Table{prices: prices, logger: logger.Named("pricing")}
}

const (
	SourceTable     = "table"
	SourceEstimated = "estimated"
)

// Lookup returns the price for (provider, model) and the pricing source.
func (t *Table) Lookup(provider, model string) (Price, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if models, ok := t.prices[provider]; ok {
		if p, ok := models[model]; ok {
			return p, SourceTable
		}
	}

	t.logger.Warn("pricing_missing",
		zap.String("provider", provider),
		zap.String("model", model))
	return defaultPrice, SourceEstimated
}

// Set registers or overrides a price entry.
func (t *Table) Set(provider, model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prices[provider] == nil {
		t.prices[provider] = make(map[string]Price)
	}
	t.prices[provider][model] = p
}

// InputPrice returns the per-MTok input price, used to compare downgrade
// targets by cost.
func (t *Table) InputPrice(provider, model string) decimal.Decimal {
	p, _ := t.Lookup(provider, model)
	return p.Input
}
