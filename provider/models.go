// Package provider defines the option-chain provider contract and its
// Polygon.io implementation.
package provider

import (
	"math"
	"time"
)

// Option rights
const (
	RightCall = "call"
	RightPut  = "put"
)

// Contract is a single listed option contract inside a chain snapshot.
// Quote and greek fields are pointers: providers routinely omit them and the
// engine treats absence as a typed rejection, never as zero.
type Contract struct {
	Symbol       string     `json:"symbol"`
	Strike       float64    `json:"strike"`
	Expiry       time.Time  `json:"expiry"`
	Right        string     `json:"right"` // call, put
	Bid          *float64   `json:"bid,omitempty"`
	Ask          *float64   `json:"ask,omitempty"`
	Last         *float64   `json:"last,omitempty"`
	Volume       *int       `json:"volume,omitempty"`
	OpenInterest *int       `json:"open_interest,omitempty"`
	ImpliedVol   *float64   `json:"implied_volatility,omitempty"`
	Delta        *float64   `json:"delta,omitempty"`
}

// Expiry groups the contracts of one expiry date
type Expiry struct {
	ExpiryDate time.Time  `json:"expiry_date"`
	DTE        int        `json:"dte"`
	Contracts  []Contract `json:"contracts"`
}

// ATMContract returns the contract of the given right whose strike is closest
// to the underlying price. Ties break toward the lower strike.
func (e *Expiry) ATMContract(underlyingPrice float64, right string) *Contract {
	var best *Contract
	bestDist := math.Inf(1)
	for i := range e.Contracts {
		c := &e.Contracts[i]
		if c.Right != right {
			continue
		}
		dist := math.Abs(c.Strike - underlyingPrice)
		if dist < bestDist || (dist == bestDist && best != nil && c.Strike < best.Strike) {
			best = c
			bestDist = dist
		}
	}
	return best
}

// DeltaContract returns the contract of the given right whose |delta| is
// closest to |targetDelta|. Contracts without a delta are skipped.
func (e *Expiry) DeltaContract(targetDelta float64, right string) *Contract {
	var best *Contract
	bestDist := math.Inf(1)
	for i := range e.Contracts {
		c := &e.Contracts[i]
		if c.Right != right || c.Delta == nil {
			continue
		}
		dist := math.Abs(math.Abs(*c.Delta) - math.Abs(targetDelta))
		if dist < bestDist {
			best = c
			bestDist = dist
		}
	}
	return best
}

// ChainSnapshot is a point-in-time view of a ticker's option chain
type ChainSnapshot struct {
	Ticker          string   `json:"ticker"`
	AsOf            time.Time `json:"as_of"`
	UnderlyingPrice float64  `json:"underlying_price"`
	Expiries        []Expiry `json:"expiries"`
	Provider        string   `json:"provider"`
}

// ExpiryByDTE returns the expiry whose DTE lies inside
// [target - tolerance, target + tolerance] and is closest to the target.
// Ties break toward the smaller distance, then the earlier expiry.
func (s *ChainSnapshot) ExpiryByDTE(target, tolerance int) *Expiry {
	var best *Expiry
	bestDist := tolerance + 1
	for i := range s.Expiries {
		e := &s.Expiries[i]
		dist := e.DTE - target
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && e.ExpiryDate.Before(best.ExpiryDate)) {
			best = e
			bestDist = dist
		}
	}
	return best
}

// ExpiryDates returns every listed expiry date in the snapshot
func (s *ChainSnapshot) ExpiryDates() []time.Time {
	dates := make([]time.Time, len(s.Expiries))
	for i, e := range s.Expiries {
		dates[i] = e.ExpiryDate
	}
	return dates
}
