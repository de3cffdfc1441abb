package guardrail

import "sort"

// PriceTable maps instance types to their on-demand hourly price in
// USD. Prices are static; the table is the single source for cost
// estimation.
type PriceTable map[string]float64

// DefaultPriceTable returns the known instance price points.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"ml.m5.large":    0.115,
		"ml.m5.xlarge":   0.230,
		"ml.m5.2xlarge":  0.460,
		"ml.g5.xlarge":   1.408,
		"ml.g5.2xlarge":  2.816,
		"ml.g5.4xlarge":  5.632,
		"ml.g5.12xlarge": 16.896,
		"ml.p5.48xlarge": 71.296,
	}
}

// EstimateCost returns the hourly cost for count instances of the
// given type. Unknown types return (0, false).
func (p PriceTable) EstimateCost(instanceType string, count int) (float64, bool) {
	price, ok := p[instanceType]
	if !ok {
		return 0, false
	}
	return price * float64(count), true
}

// Known reports whether the instance type has a price point.
func (p PriceTable) Known(instanceType string) bool {
	_, ok := p[instanceType]
	return ok
}

// InstanceTypes returns the priced instance types in sorted order.
func (p PriceTable) InstanceTypes() []string {
	types := make([]string, 0, len(p))
	for t := range p {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
