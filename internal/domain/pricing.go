package domain

// PricingFunc converts a token count for a model into whole credits.
// Pricing policy lives outside this core; the function is injected and must
// be pure and deterministic so reservation and settlement compute from the
// same table. creditsFor(model, estimated) at reserve time and
// creditsFor(model, actual) at settle time must be comparable.
type PricingFunc func(modelID string, tokens int64) int64

// TablePricing builds a PricingFunc from credits-per-1000-tokens rates.
// Unknown models fall back to defaultRate. Any nonzero token count charges
// at least one credit.
func TablePricing(ratesPer1K map[string]int64, defaultRate int64) PricingFunc {
	return func(modelID string, tokens int64) int64 {
		if tokens <= 0 {
			return 0
		}
		rate, ok := ratesPer1K[modelID]
		if !ok {
			rate = defaultRate
		}
		credits := tokens * rate / 1000
		if credits < 1 {
			credits = 1
		}
		return credits
	}
}
