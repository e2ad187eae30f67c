package types

// Rates is a tariff snapshot in dollars per kWh: what the home pays for a
// grid kWh and what it is credited for an exported one.
type Rates struct {
	FromGrid float64 `json:"fromGrid"`
	ToGrid   float64 `json:"toGrid"`
}
