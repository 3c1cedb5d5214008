// Package engine computes Forward Factor signals from an option chain
// snapshot and a per-user policy. It is pure: no I/O, no clock reads beyond
// the snapshot's as-of timestamp, and it never mutates its inputs.
package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"forward-factor-scanner/database"
	"forward-factor-scanner/provider"
)

// Rejection reason codes
const (
	ReasonInvalidDTE         = "invalid_dte"
	ReasonNegativeForwardVar = "negative_forward_variance"
	ReasonSigmaFwdFloor      = "sigma_fwd_floor"
	ReasonMissingIV          = "missing_iv"
	ReasonMissingQuotes      = "missing_quotes"
	ReasonWideSpread         = "wide_spread"
	ReasonLowOI              = "low_oi"
	ReasonLowVolume          = "low_volume"
	ReasonNonpositiveMid     = "nonpositive_mid"
)

// Vol point methods
const (
	VolPointATM = "ATM"
)

// Policy is the per-user slice of settings the engine consumes
type Policy struct {
	FFThreshold     float64
	DTEPairs        []database.DTEPair
	VolPoint        string
	MinOpenInterest int
	MinVolume       int
	MaxBidAskPct    float64
	SigmaFwdFloor   float64
}

// FFResult is a successful forward factor computation
type FFResult struct {
	FF       float64
	SigmaFwd float64
}

// ForwardFactor computes FF = (σ1 − σ_fwd) / σ_fwd from the front and back
// implied vols and DTEs. A non-empty reject code means no result.
//
// σ_fwd derives from the annualized forward variance between the expiries:
// V_fwd = (σ2²·T2 − σ1²·T1) / (T2 − T1). A σ_fwd of exactly zero is rejected
// under the floor code even when the floor is zero, since FF is undefined
// there.
func ForwardFactor(frontIV float64, frontDTE int, backIV float64, backDTE int, sigmaFwdFloor float64) (FFResult, string) {
	if frontDTE < 1 || backDTE < 1 || frontDTE >= backDTE {
		return FFResult{}, ReasonInvalidDTE
	}

	t1 := float64(frontDTE) / 365.0
	t2 := float64(backDTE) / 365.0

	v1 := frontIV * frontIV * t1
	v2 := backIV * backIV * t2
	vFwd := (v2 - v1) / (t2 - t1)

	if vFwd < 0 {
		return FFResult{}, ReasonNegativeForwardVar
	}

	sigmaFwd := math.Sqrt(vFwd)
	if sigmaFwd < sigmaFwdFloor || sigmaFwd == 0 {
		return FFResult{}, ReasonSigmaFwdFloor
	}

	return FFResult{
		FF:       (frontIV - sigmaFwd) / sigmaFwd,
		SigmaFwd: sigmaFwd,
	}, ""
}

// ExpiryPair is a matched (front, back) expiry pair for one pairing rule
type ExpiryPair struct {
	Front *provider.Expiry
	Back  *provider.Expiry
	Rule  database.DTEPair
}

// PairExpiries matches each pairing rule against the snapshot's listed
// expiries. Front and back are picked independently; a rule produces no pair
// when either side has no expiry in its window or the front does not precede
// the back.
func PairExpiries(snapshot *provider.ChainSnapshot, rules []database.DTEPair) []ExpiryPair {
	var pairs []ExpiryPair
	for _, rule := range rules {
		front := snapshot.ExpiryByDTE(rule.FrontTarget, rule.FrontTol)
		if front == nil {
			continue
		}
		back := snapshot.ExpiryByDTE(rule.BackTarget, rule.BackTol)
		if back == nil {
			continue
		}
		if front.DTE >= back.DTE {
			continue
		}
		pairs = append(pairs, ExpiryPair{Front: front, Back: back, Rule: rule})
	}
	return pairs
}

// SelectVolPoint picks the contract whose IV represents the expiry.
// Methods: "ATM" (strike closest to spot, call side), or "Nd_put"/"Nd_call"
// (contract of that right with |delta| closest to N/100). A non-empty reject
// code means no selection.
func SelectVolPoint(expiry *provider.Expiry, underlyingPrice float64, method string) (*provider.Contract, float64, string) {
	var contract *provider.Contract

	switch {
	case method == VolPointATM:
		contract = expiry.ATMContract(underlyingPrice, provider.RightCall)
	case strings.HasSuffix(method, "d_put"):
		target, ok := parseDeltaTarget(method, "d_put")
		if !ok {
			return nil, 0, ReasonMissingIV
		}
		contract = expiry.DeltaContract(target, provider.RightPut)
	case strings.HasSuffix(method, "d_call"):
		target, ok := parseDeltaTarget(method, "d_call")
		if !ok {
			return nil, 0, ReasonMissingIV
		}
		contract = expiry.DeltaContract(target, provider.RightCall)
	default:
		return nil, 0, ReasonMissingIV
	}

	if contract == nil || contract.ImpliedVol == nil {
		return nil, 0, ReasonMissingIV
	}
	return contract, *contract.ImpliedVol, ""
}

func parseDeltaTarget(method, suffix string) (float64, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(method, suffix))
	if err != nil || n <= 0 || n >= 100 {
		return 0, false
	}
	return float64(n) / 100.0, true
}

// LiquidityReasons checks one contract against the policy's liquidity gates
// and returns every violated gate
func LiquidityReasons(contract *provider.Contract, policy Policy) []string {
	var reasons []string

	if contract.Bid == nil || contract.Ask == nil {
		return []string{ReasonMissingQuotes}
	}

	mid := (*contract.Bid + *contract.Ask) / 2.0
	if mid <= 0 {
		return []string{ReasonNonpositiveMid}
	}

	if (*contract.Ask-*contract.Bid)/mid > policy.MaxBidAskPct {
		reasons = append(reasons, ReasonWideSpread)
	}
	if contract.OpenInterest == nil || *contract.OpenInterest < policy.MinOpenInterest {
		reasons = append(reasons, ReasonLowOI)
	}
	if contract.Volume == nil || *contract.Volume < policy.MinVolume {
		reasons = append(reasons, ReasonLowVolume)
	}
	return reasons
}

// Diagnostic records why a paired expiry produced no signal
type Diagnostic struct {
	Ticker      string
	FrontExpiry string
	BackExpiry  string
	Reasons     []string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s/%s: %s", d.Ticker, d.FrontExpiry, d.BackExpiry, strings.Join(d.Reasons, ","))
}

// Compute evaluates every pairing rule against the snapshot and returns the
// signals meeting the policy's FF threshold, sorted by FF descending, plus a
// diagnostic per pair that was rejected outright. Liquidity violations do not
// suppress a signal; they degrade its quality score to 0.5 and travel with it
// as reason codes.
func Compute(snapshot *provider.ChainSnapshot, policy Policy) ([]database.Signal, []Diagnostic) {
	var signals []database.Signal
	var diagnostics []Diagnostic

	for _, pair := range PairExpiries(snapshot, policy.DTEPairs) {
		diag := Diagnostic{
			Ticker:      snapshot.Ticker,
			FrontExpiry: pair.Front.ExpiryDate.Format("2006-01-02"),
			BackExpiry:  pair.Back.ExpiryDate.Format("2006-01-02"),
		}

		frontContract, frontIV, rejectFront := SelectVolPoint(pair.Front, snapshot.UnderlyingPrice, policy.VolPoint)
		backContract, backIV, rejectBack := SelectVolPoint(pair.Back, snapshot.UnderlyingPrice, policy.VolPoint)
		if rejectFront != "" || rejectBack != "" {
			diag.Reasons = appendUnique(diag.Reasons, rejectFront, rejectBack)
			diagnostics = append(diagnostics, diag)
			continue
		}

		result, reject := ForwardFactor(frontIV, pair.Front.DTE, backIV, pair.Back.DTE, policy.SigmaFwdFloor)
		if reject != "" {
			diag.Reasons = appendUnique(diag.Reasons, reject)
			diagnostics = append(diagnostics, diag)
			continue
		}

		var reasons []string
		reasons = appendUnique(reasons, LiquidityReasons(frontContract, policy)...)
		reasons = appendUnique(reasons, LiquidityReasons(backContract, policy)...)

		if result.FF < policy.FFThreshold {
			continue
		}

		quality := 1.0
		if len(reasons) > 0 {
			quality = 0.5
		}

		signals = append(signals, database.Signal{
			Ticker:          snapshot.Ticker,
			AsOfTS:          snapshot.AsOf,
			FrontExpiry:     pair.Front.ExpiryDate,
			BackExpiry:      pair.Back.ExpiryDate,
			FrontDTE:        pair.Front.DTE,
			BackDTE:         pair.Back.DTE,
			FrontIV:         frontIV,
			BackIV:          backIV,
			SigmaFwd:        result.SigmaFwd,
			FFValue:         result.FF,
			VolPoint:        policy.VolPoint,
			QualityScore:    quality,
			ReasonCodes:     reasons,
			UnderlyingPrice: snapshot.UnderlyingPrice,
			Provider:        snapshot.Provider,
		})
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].FFValue > signals[j].FFValue
	})
	return signals, diagnostics
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
