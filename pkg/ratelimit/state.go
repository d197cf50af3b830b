// Package ratelimit implements the request budget shared by all API calls of a
// backup run. The Mapbox APIs quote their limits as "N requests per window"
// (the Styles API allows 2000 requests per minute), which maps onto a token bucket
// whose reservoir refills by a fixed amount per interval.
package ratelimit

import (
	"time"
)

// Redis keys for the shared budget.
const (
	RedisKeyBudgetPrefix = "mapbox:budget"
)

// Default budget matches the Styles API quota.
const (
	DefaultReservoir      = 2000
	DefaultRefillAmount   = 2000
	DefaultRefillInterval = 60 * time.Second
)

// LowWatermark is the fraction of the reservoir below which the budget is reported
// as running low.
const LowWatermark = 0.1

// BudgetState is a point-in-time snapshot of a budget.
type BudgetState struct {
	// Tokens currently available. May be fractional while refilling.
	Tokens float64 `json:"tokens"`

	// Reservoir is the bucket capacity.
	Reservoir int `json:"reservoir"`

	// RefillAmount tokens are added every RefillInterval.
	RefillAmount   int           `json:"refill_amount"`
	RefillInterval time.Duration `json:"refill_interval"`

	// At is when the snapshot was taken.
	At time.Time `json:"at"`
}

// IsExhausted returns true if not even one request may start right now.
func (s *BudgetState) IsExhausted() bool {
	return s.Tokens < 1
}

// IsLow returns true if the available tokens fell under LowWatermark of the reservoir.
func (s *BudgetState) IsLow() bool {
	if s.Reservoir <= 0 {
		return true
	}
	return s.Tokens/float64(s.Reservoir) < LowWatermark
}

// TimeUntilToken returns how long until one token is available.
// Returns 0 if a token is available already.
func (s *BudgetState) TimeUntilToken() time.Duration {
	if !s.IsExhausted() || s.RefillAmount <= 0 {
		return 0
	}
	perToken := s.RefillInterval / time.Duration(s.RefillAmount)
	missing := 1 - s.Tokens
	return time.Duration(missing * float64(perToken))
}
