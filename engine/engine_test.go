package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-factor-scanner/database"
	"forward-factor-scanner/provider"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

// liquidContract builds a contract that passes every default liquidity gate
func liquidContract(strike float64, right string, iv float64) provider.Contract {
	return provider.Contract{
		Strike:       strike,
		Right:        right,
		Bid:          fptr(1.00),
		Ask:          fptr(1.04),
		Volume:       iptr(500),
		OpenInterest: iptr(2000),
		ImpliedVol:   fptr(iv),
	}
}

func testSnapshot(frontIV, backIV float64) *provider.ChainSnapshot {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return &provider.ChainSnapshot{
		Ticker:          "AAPL",
		AsOf:            base,
		UnderlyingPrice: 100,
		Provider:        "polygon",
		Expiries: []provider.Expiry{
			{
				ExpiryDate: base.AddDate(0, 0, 30),
				DTE:        30,
				Contracts: []provider.Contract{
					liquidContract(95, provider.RightCall, frontIV+0.02),
					liquidContract(100, provider.RightCall, frontIV),
					liquidContract(105, provider.RightCall, frontIV-0.02),
				},
			},
			{
				ExpiryDate: base.AddDate(0, 0, 60),
				DTE:        60,
				Contracts: []provider.Contract{
					liquidContract(100, provider.RightCall, backIV),
					liquidContract(110, provider.RightCall, backIV-0.01),
				},
			},
		},
	}
}

func defaultTestPolicy() Policy {
	return Policy{
		FFThreshold:     0.20,
		DTEPairs:        []database.DTEPair{{FrontTarget: 30, BackTarget: 60, FrontTol: 5, BackTol: 10}},
		VolPoint:        VolPointATM,
		MinOpenInterest: 100,
		MinVolume:       10,
		MaxBidAskPct:    0.08,
		SigmaFwdFloor:   0.05,
	}
}

func TestForwardFactor(t *testing.T) {
	tests := []struct {
		name       string
		frontIV    float64
		frontDTE   int
		backIV     float64
		backDTE    int
		floor      float64
		wantReject string
		wantFF     float64
		wantSigma  float64
	}{
		{
			// 30/60 with T2 = 2*T1: V_fwd = 2*σ2² − σ1² = 0.0068
			name:    "elevated front vol",
			frontIV: 0.30, frontDTE: 30, backIV: 0.22, backDTE: 60, floor: 0.05,
			wantFF: 2.63803, wantSigma: 0.08246,
		},
		{
			name:    "flat term structure gives zero FF",
			frontIV: 0.25, frontDTE: 30, backIV: 0.25, backDTE: 60, floor: 0.05,
			wantFF: 0.0, wantSigma: 0.25,
		},
		{
			name:    "zero front dte",
			frontIV: 0.30, frontDTE: 0, backIV: 0.25, backDTE: 60, floor: 0.05,
			wantReject: ReasonInvalidDTE,
		},
		{
			name:    "equal dtes",
			frontIV: 0.30, frontDTE: 30, backIV: 0.25, backDTE: 30, floor: 0.05,
			wantReject: ReasonInvalidDTE,
		},
		{
			name:    "front after back",
			frontIV: 0.30, frontDTE: 60, backIV: 0.25, backDTE: 30, floor: 0.05,
			wantReject: ReasonInvalidDTE,
		},
		{
			// V_fwd = 2*0.09 − 0.25 < 0
			name:    "inverted term structure",
			frontIV: 0.50, frontDTE: 30, backIV: 0.30, backDTE: 60, floor: 0.05,
			wantReject: ReasonNegativeForwardVar,
		},
		{
			// V_fwd = 2*0.0064 − 0.01 = 0.0028, σ_fwd ≈ 0.0529 < 0.06
			name:    "sigma fwd below floor",
			frontIV: 0.10, frontDTE: 30, backIV: 0.08, backDTE: 60, floor: 0.06,
			wantReject: ReasonSigmaFwdFloor,
		},
		{
			name:    "zero vols rejected even with zero floor",
			frontIV: 0, frontDTE: 30, backIV: 0, backDTE: 60, floor: 0,
			wantReject: ReasonSigmaFwdFloor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, reject := ForwardFactor(tt.frontIV, tt.frontDTE, tt.backIV, tt.backDTE, tt.floor)
			assert.Equal(t, tt.wantReject, reject)
			if tt.wantReject == "" {
				assert.InDelta(t, tt.wantFF, result.FF, 1e-4)
				assert.InDelta(t, tt.wantSigma, result.SigmaFwd, 1e-4)
			}
		})
	}
}

func TestForwardFactorFlatStructureExactlyComputable(t *testing.T) {
	// σ1 = σ2 = σ, T2 = 2*T1: V_fwd = σ², so σ_fwd = σ and FF = 0
	result, reject := ForwardFactor(0.25, 10, 0.25, 20, 0)
	require.Empty(t, reject)
	assert.InDelta(t, 0.25, result.SigmaFwd, 1e-9)
	assert.InDelta(t, 0.0, result.FF, 1e-9)
}

func TestPairExpiries(t *testing.T) {
	snap := testSnapshot(0.30, 0.22)

	t.Run("matching rule produces one pair", func(t *testing.T) {
		pairs := PairExpiries(snap, []database.DTEPair{{FrontTarget: 30, BackTarget: 60, FrontTol: 5, BackTol: 10}})
		require.Len(t, pairs, 1)
		assert.Equal(t, 30, pairs[0].Front.DTE)
		assert.Equal(t, 60, pairs[0].Back.DTE)
	})

	t.Run("no expiry inside front window", func(t *testing.T) {
		pairs := PairExpiries(snap, []database.DTEPair{{FrontTarget: 10, BackTarget: 60, FrontTol: 3, BackTol: 10}})
		assert.Empty(t, pairs)
	})

	t.Run("front and back resolving to the same expiry is dropped", func(t *testing.T) {
		pairs := PairExpiries(snap, []database.DTEPair{{FrontTarget: 30, BackTarget: 32, FrontTol: 5, BackTol: 5}})
		assert.Empty(t, pairs)
	})

	t.Run("multiple rules evaluated independently", func(t *testing.T) {
		pairs := PairExpiries(snap, []database.DTEPair{
			{FrontTarget: 30, BackTarget: 60, FrontTol: 5, BackTol: 10},
			{FrontTarget: 7, BackTarget: 21, FrontTol: 2, BackTol: 2},
		})
		assert.Len(t, pairs, 1)
	})
}

func TestSelectVolPoint(t *testing.T) {
	expiry := &provider.Expiry{
		ExpiryDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DTE:        30,
		Contracts: []provider.Contract{
			{Strike: 95, Right: provider.RightCall, ImpliedVol: fptr(0.32), Delta: fptr(0.62)},
			{Strike: 100, Right: provider.RightCall, ImpliedVol: fptr(0.30), Delta: fptr(0.50)},
			{Strike: 105, Right: provider.RightCall, ImpliedVol: fptr(0.29), Delta: fptr(0.38)},
			{Strike: 95, Right: provider.RightPut, ImpliedVol: fptr(0.33), Delta: fptr(-0.36)},
			{Strike: 100, Right: provider.RightPut, ImpliedVol: fptr(0.31), Delta: fptr(-0.50)},
		},
	}

	t.Run("ATM picks the call closest to spot", func(t *testing.T) {
		contract, iv, reject := SelectVolPoint(expiry, 101, VolPointATM)
		require.Empty(t, reject)
		assert.Equal(t, 100.0, contract.Strike)
		assert.Equal(t, 0.30, iv)
	})

	t.Run("delta put method", func(t *testing.T) {
		contract, iv, reject := SelectVolPoint(expiry, 101, "35d_put")
		require.Empty(t, reject)
		assert.Equal(t, 95.0, contract.Strike)
		assert.Equal(t, 0.33, iv)
	})

	t.Run("delta call method", func(t *testing.T) {
		contract, _, reject := SelectVolPoint(expiry, 101, "35d_call")
		require.Empty(t, reject)
		assert.Equal(t, 105.0, contract.Strike)
	})

	t.Run("unknown method rejects", func(t *testing.T) {
		_, _, reject := SelectVolPoint(expiry, 101, "median")
		assert.Equal(t, ReasonMissingIV, reject)
	})

	t.Run("missing IV on the selected contract rejects", func(t *testing.T) {
		bare := &provider.Expiry{Contracts: []provider.Contract{
			{Strike: 100, Right: provider.RightCall},
		}}
		_, _, reject := SelectVolPoint(bare, 100, VolPointATM)
		assert.Equal(t, ReasonMissingIV, reject)
	})
}

func TestLiquidityReasons(t *testing.T) {
	policy := defaultTestPolicy()

	t.Run("clean contract", func(t *testing.T) {
		c := liquidContract(100, provider.RightCall, 0.30)
		assert.Empty(t, LiquidityReasons(&c, policy))
	})

	t.Run("missing quotes short-circuits", func(t *testing.T) {
		c := provider.Contract{Strike: 100, OpenInterest: iptr(1), Volume: iptr(1)}
		assert.Equal(t, []string{ReasonMissingQuotes}, LiquidityReasons(&c, policy))
	})

	t.Run("nonpositive mid short-circuits", func(t *testing.T) {
		c := provider.Contract{Strike: 100, Bid: fptr(-0.05), Ask: fptr(0.05)}
		assert.Equal(t, []string{ReasonNonpositiveMid}, LiquidityReasons(&c, policy))
	})

	t.Run("bid equals ask is a zero-width spread", func(t *testing.T) {
		c := provider.Contract{Strike: 100, Bid: fptr(1.00), Ask: fptr(1.00),
			Volume: iptr(500), OpenInterest: iptr(2000)}
		assert.Empty(t, LiquidityReasons(&c, policy))
	})

	t.Run("violations accumulate", func(t *testing.T) {
		c := provider.Contract{Strike: 100, Bid: fptr(1.00), Ask: fptr(1.50),
			Volume: iptr(1), OpenInterest: iptr(1)}
		reasons := LiquidityReasons(&c, policy)
		assert.ElementsMatch(t, []string{ReasonWideSpread, ReasonLowOI, ReasonLowVolume}, reasons)
	})
}

func TestCompute(t *testing.T) {
	t.Run("elevated front vol yields one signal", func(t *testing.T) {
		snap := testSnapshot(0.30, 0.22)
		sigs, diags := Compute(snap, defaultTestPolicy())
		require.Len(t, sigs, 1)
		assert.Empty(t, diags)

		sig := sigs[0]
		assert.Equal(t, "AAPL", sig.Ticker)
		assert.InDelta(t, 2.63803, sig.FFValue, 1e-4)
		assert.InDelta(t, 0.08246, sig.SigmaFwd, 1e-4)
		assert.Equal(t, 30, sig.FrontDTE)
		assert.Equal(t, 60, sig.BackDTE)
		assert.Equal(t, 1.0, sig.QualityScore)
		assert.Empty(t, sig.ReasonCodes)
	})

	t.Run("below threshold is silently skipped", func(t *testing.T) {
		snap := testSnapshot(0.25, 0.25) // flat structure, FF = 0
		policy := defaultTestPolicy()
		policy.FFThreshold = 0.50
		sigs, diags := Compute(snap, policy)
		assert.Empty(t, sigs)
		assert.Empty(t, diags)
	})

	t.Run("liquidity violations degrade quality without suppressing", func(t *testing.T) {
		snap := testSnapshot(0.30, 0.22)
		// Thin out the ATM front contract
		for i := range snap.Expiries[0].Contracts {
			if snap.Expiries[0].Contracts[i].Strike == 100 {
				snap.Expiries[0].Contracts[i].OpenInterest = iptr(5)
			}
		}
		sigs, _ := Compute(snap, defaultTestPolicy())
		require.Len(t, sigs, 1)
		assert.Equal(t, 0.5, sigs[0].QualityScore)
		assert.Contains(t, []string(sigs[0].ReasonCodes), ReasonLowOI)
	})

	t.Run("inverted structure produces a diagnostic", func(t *testing.T) {
		snap := testSnapshot(0.50, 0.30)
		sigs, diags := Compute(snap, defaultTestPolicy())
		assert.Empty(t, sigs)
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Reasons, ReasonNegativeForwardVar)
	})

	t.Run("missing IV produces a diagnostic", func(t *testing.T) {
		snap := testSnapshot(0.30, 0.22)
		for i := range snap.Expiries[1].Contracts {
			snap.Expiries[1].Contracts[i].ImpliedVol = nil
		}
		sigs, diags := Compute(snap, defaultTestPolicy())
		assert.Empty(t, sigs)
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Reasons, ReasonMissingIV)
	})

	t.Run("signals sorted by FF descending", func(t *testing.T) {
		snap := testSnapshot(0.30, 0.22)
		// Add a second, milder pair at 90/120 DTE
		base := snap.AsOf
		snap.Expiries = append(snap.Expiries,
			provider.Expiry{
				ExpiryDate: base.AddDate(0, 0, 90),
				DTE:        90,
				Contracts:  []provider.Contract{liquidContract(100, provider.RightCall, 0.26)},
			},
			provider.Expiry{
				ExpiryDate: base.AddDate(0, 0, 120),
				DTE:        120,
				Contracts:  []provider.Contract{liquidContract(100, provider.RightCall, 0.24)},
			},
		)
		policy := defaultTestPolicy()
		policy.DTEPairs = append(policy.DTEPairs, database.DTEPair{FrontTarget: 90, BackTarget: 120, FrontTol: 5, BackTol: 5})

		sigs, _ := Compute(snap, policy)
		require.Len(t, sigs, 2)
		assert.Greater(t, sigs[0].FFValue, sigs[1].FFValue)
	})
}
