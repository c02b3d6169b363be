package llm

import (
	"strings"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Price is the cost in USD per 1M tokens.
type Price struct {
	InputPerM  float64
	OutputPerM float64
}

// DefaultPrice is used for models missing from the table.
var DefaultPrice = Price{InputPerM: 1.00, OutputPerM: 3.00}

// defaultPrices seeds the table. Keys are "provider:model".
var defaultPrices = map[string]Price{
	"openrouter:anthropic/claude-3-haiku-20240307": {0.25, 1.25},
	"openrouter:anthropic/claude-3-opus-20240229":  {15.00, 75.00},
	"openrouter:google/gemini-pro":                 {0.125, 0.375},
	"openrouter:google/gemini-1.5-flash-latest":    {0.35, 1.05},
	"openrouter:openai/gpt-4-turbo":                {10.00, 30.00},
	"openrouter:openai/gpt-3.5-turbo":              {0.50, 1.50},
	"openrouter:mistralai/mistral-7b-instruct":     {0.07, 0.07},
	"gemini:gemini-1.5-flash":                      {0.075, 0.30},
	"gemini:gemini-1.5-pro":                        {1.25, 5.00},
}

// PriceTable maps provider models to prices. It is safe for concurrent use.
type PriceTable struct {
	mu       sync.RWMutex
	prices   map[string]Price
	fallback Price
}

// NewPriceTable returns a table seeded with the built-in prices.
func NewPriceTable() *PriceTable {
	t := &PriceTable{prices: make(map[string]Price, len(defaultPrices)), fallback: DefaultPrice}
	for k, v := range defaultPrices {
		t.prices[k] = v
	}
	return t
}

func priceKey(provider models.LLMProvider, model string) string {
	return string(provider) + ":" + model
}

// Set overrides the price of one model.
func (t *PriceTable) Set(provider models.LLMProvider, model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[priceKey(provider, model)] = p
}

// Merge applies stored pricing rows over the table.
func (t *PriceTable) Merge(rows []models.ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.prices[priceKey(r.Provider, r.Model)] = Price{InputPerM: r.InputPerMToken, OutputPerM: r.OutputPerMToken}
	}
}

// Rows returns the table as pricing rows, for seeding storage.
func (t *PriceTable) Rows() []models.ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := make([]models.ModelPricing, 0, len(t.prices))
	for k, p := range t.prices {
		provider, model := splitKey(k)
		rows = append(rows, models.ModelPricing{
			Provider:        provider,
			Model:           model,
			InputPerMToken:  p.InputPerM,
			OutputPerMToken: p.OutputPerM,
		})
	}
	return rows
}

// Lookup returns the price for a model and whether it was found.
func (t *PriceTable) Lookup(provider models.LLMProvider, model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[priceKey(provider, model)]
	if !ok {
		return t.fallback, false
	}
	return p, true
}

// Cost returns the USD cost of a call.
func (t *PriceTable) Cost(provider models.LLMProvider, model string, inputTokens, outputTokens int64) float64 {
	p, _ := t.Lookup(provider, model)
	inputCost := float64(inputTokens) * p.InputPerM / 1_000_000
	outputCost := float64(outputTokens) * p.OutputPerM / 1_000_000
	return inputCost + outputCost
}

// Estimate returns the worst-case cost of a call: the prompt plus the full
// output token allowance.
func (t *PriceTable) Estimate(provider models.LLMProvider, model, prompt string, maxOutputTokens int) float64 {
	return t.Cost(provider, model, EstimateTokens(prompt), int64(maxOutputTokens))
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

func splitKey(k string) (models.LLMProvider, string) {
	provider, model, _ := strings.Cut(k, ":")
	return models.LLMProvider(provider), model
}
