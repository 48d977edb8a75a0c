package domain

import "time"

// RiskProfile classifies how aggressively a trader deploys capital.
type RiskProfile string

const (
	RiskConservative RiskProfile = "conservative"
	RiskModerate     RiskProfile = "moderate"
	RiskAggressive   RiskProfile = "aggressive"
)

// Valid reports whether the profile is one of the three known values.
func (r RiskProfile) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	}
	return false
}

// AllocationWeight returns the exponent weight used by the weighted_random
// allocation algorithm (aggressive traders draw from a more top-heavy
// distribution).
func (r RiskProfile) AllocationWeight() float64 {
	switch r {
	case RiskAggressive:
		return 3
	case RiskModerate:
		return 2
	default:
		return 1
	}
}

// TradingStyle classifies a trader's holding horizon.
type TradingStyle string

const (
	StyleDay      TradingStyle = "day"
	StyleSwing    TradingStyle = "swing"
	StylePosition TradingStyle = "position"
)

// Valid reports whether the style is one of the three known values.
func (s TradingStyle) Valid() bool {
	switch s {
	case StyleDay, StyleSwing, StylePosition:
		return true
	}
	return false
}

// StockCategory is the sector classification of a listed stock.
type StockCategory string

const (
	CategoryTechnology StockCategory = "technology"
	CategoryFinance    StockCategory = "finance"
	CategoryEnergy     StockCategory = "energy"
	CategoryHealthcare StockCategory = "healthcare"
	CategoryConsumer   StockCategory = "consumer"
	CategoryIndustrial StockCategory = "industrial"
)

// AllocationAlgorithm names the initial share distribution strategy declared
// by a template.
type AllocationAlgorithm string

const (
	AllocEqual          AllocationAlgorithm = "equal_distribution"
	AllocWeightedRandom AllocationAlgorithm = "weighted_random"
	AllocRiskBased      AllocationAlgorithm = "risk_based"
)

// Valid reports whether the algorithm is a known one.
func (a AllocationAlgorithm) Valid() bool {
	switch a {
	case AllocEqual, AllocWeightedRandom, AllocRiskBased:
		return true
	}
	return false
}

// Template is the read-only recipe a market instance is materialized from.
// Templates live in the external template store keyed by id.
type Template struct {
	ID          string              `json:"id" msgpack:"id"`
	Name        string              `json:"name" msgpack:"name"`
	Description string              `json:"description,omitempty" msgpack:"description"`
	Exchange    TemplateExchange    `json:"exchange" msgpack:"exchange"`
	Stocks      []TemplateStock     `json:"stocks" msgpack:"stocks"`
	Traders     []TemplateTrader    `json:"traders" msgpack:"traders"`
	Allocation  AllocationAlgorithm `json:"allocation" msgpack:"allocation"`
	AutoStart   bool                `json:"autoStart" msgpack:"autoStart"`
	CreatedAt   time.Time           `json:"createdAt" msgpack:"createdAt"`
}

// TemplateExchange describes the single exchange of a template.
type TemplateExchange struct {
	Name         string  `json:"name" msgpack:"name"`
	Description  string  `json:"description,omitempty" msgpack:"description"`
	Acceleration float64 `json:"acceleration" msgpack:"acceleration"`
	// SampleInterval is the number of frames between raw series points
	// emitted per symbol (1 = every frame).
	SampleInterval int `json:"sampleInterval,omitempty" msgpack:"sampleInterval"`
	// Drift and MaxVolatility bound the log-normal price walk.
	Drift         float64 `json:"drift" msgpack:"drift"`
	MaxVolatility float64 `json:"maxVolatility" msgpack:"maxVolatility"`
}

// TemplateStock describes one listing in a template.
type TemplateStock struct {
	Symbol      string        `json:"symbol" msgpack:"symbol"`
	CompanyName string        `json:"companyName" msgpack:"companyName"`
	Category    StockCategory `json:"category" msgpack:"category"`
	IssuePrice  float64       `json:"issuePrice" msgpack:"issuePrice"`
	TotalShares int64         `json:"totalShares" msgpack:"totalShares"`
	// Volatility is the per-symbol annualized volatility used by the price
	// walk; VolatilityRank orders symbols for risk_based allocation
	// (rank 1 = most volatile).
	Volatility     float64 `json:"volatility" msgpack:"volatility"`
	VolatilityRank int     `json:"volatilityRank" msgpack:"volatilityRank"`
}

// TemplateTrader describes one AI trader in a template.
type TemplateTrader struct {
	Name           string            `json:"name" msgpack:"name"`
	RiskProfile    RiskProfile       `json:"riskProfile" msgpack:"riskProfile"`
	TradingStyle   TradingStyle      `json:"tradingStyle" msgpack:"tradingStyle"`
	MaxPositions   int               `json:"maxPositions" msgpack:"maxPositions"`
	InitialCapital float64           `json:"initialCapital" msgpack:"initialCapital"`
	StrategyParams map[string]string `json:"strategyParams,omitempty" msgpack:"strategyParams"`
}

// InstanceStatus is the lifecycle status of a market instance as seen by
// clients.
type InstanceStatus string

const (
	InstanceCreating InstanceStatus = "Creating"
	InstanceActive   InstanceStatus = "Active"
	InstanceStopped  InstanceStatus = "Stopped"
	InstanceError    InstanceStatus = "Error"
)
