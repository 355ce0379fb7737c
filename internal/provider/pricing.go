package provider

// pricePerMillion holds USD prices per one million tokens, keyed by model
// name. Models not listed cost 0.
type pricePerMillion struct {
	Input  float64
	Output float64
}

var pricing = map[string]pricePerMillion{
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gemini-2.0-flash":  {Input: 0.10, Output: 0.40},
	"gemini-2.5-flash":  {Input: 0.30, Output: 2.50},
	"gemini-2.5-pro":    {Input: 1.25, Output: 10.00},
	"claude-sonnet-4-0": {Input: 3.00, Output: 15.00},
}

// CostFor computes the cost of a call for the given model and token counts.
// Unknown models cost 0.
func CostFor(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return p.Input*float64(inputTokens)/1e6 + p.Output*float64(outputTokens)/1e6
}
