package ledger

import "strings"

// RateTable maps instance types to hourly rates in microcredits. It is the
// pure pricing function of the ledger; nothing here touches storage.
type RateTable struct {
	rates map[string]int64

	// defaultRate applies to unknown instance types.
	defaultRate int64
}

// NewRateTable creates a rate table with the default tiers.
func NewRateTable() *RateTable {
	t := &RateTable{
		rates:       make(map[string]int64),
		defaultRate: 10 * MicroCreditsPerCredit,
	}
	t.addDefaultRates()
	return t
}

func (t *RateTable) addDefaultRates() {
	// Entry-level general purpose
	t.AddRate("small", 5*MicroCreditsPerCredit)

	// Standard workloads
	t.AddRate("medium", 10*MicroCreditsPerCredit)

	// Memory/compute heavy
	t.AddRate("large", 20*MicroCreditsPerCredit)
	t.AddRate("xlarge", 40*MicroCreditsPerCredit)

	// GPU-backed tiers
	t.AddRate("gpu-a10g", 60*MicroCreditsPerCredit)
	t.AddRate("gpu-a100", 120*MicroCreditsPerCredit)
	t.AddRate("gpu-h100", 200*MicroCreditsPerCredit)
}

// AddRate adds or updates the hourly rate for an instance type.
func (t *RateTable) AddRate(resourceType string, microPerHour int64) {
	t.rates[normalizeType(resourceType)] = microPerHour
}

// HourlyRate returns the microcredits-per-hour rate for an instance type.
// Unknown types fall back to the default rate.
func (t *RateTable) HourlyRate(resourceType string) int64 {
	if rate, ok := t.rates[normalizeType(resourceType)]; ok {
		return rate
	}
	return t.defaultRate
}

func normalizeType(resourceType string) string {
	return strings.ToLower(strings.TrimSpace(resourceType))
}
