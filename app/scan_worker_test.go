package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/engine"
)

func testConfig() *config.Config {
	return &config.Config{
		Scan: config.ScanConfig{
			DeltaFFMin: 0.02,
		},
		Defaults: config.DefaultPolicy{
			FFThreshold:     0.20,
			SigmaFwdFloor:   0.05,
			MinOpenInterest: 100,
			MinVolume:       10,
			MaxBidAskPct:    0.08,
			StabilityScans:  2,
			CooldownMinutes: 120,
			Timezone:        "America/Vancouver",
		},
	}
}

func TestPolicyForDefaults(t *testing.T) {
	pool := &WorkerPool{cfg: testConfig()}

	policy := pool.policyFor(nil)
	assert.Equal(t, 0.20, policy.FFThreshold)
	assert.Equal(t, engine.VolPointATM, policy.VolPoint)
	assert.Equal(t, 100, policy.MinOpenInterest)
	assert.Equal(t, []database.DTEPair(defaultDTEPairs), policy.DTEPairs)
}

func TestPolicyForUserSettings(t *testing.T) {
	pool := &WorkerPool{cfg: testConfig()}

	settings := &database.UserSettings{
		FFThreshold:     0.35,
		DTEPairs:        database.DTEPairList{{FrontTarget: 14, BackTarget: 45, FrontTol: 3, BackTol: 7}},
		VolPoint:        "35d_put",
		MinOpenInterest: 500,
		MinVolume:       50,
		MaxBidAskPct:    0.05,
		SigmaFwdFloor:   0.10,
	}

	policy := pool.policyFor(settings)
	assert.Equal(t, 0.35, policy.FFThreshold)
	assert.Equal(t, "35d_put", policy.VolPoint)
	assert.Equal(t, 500, policy.MinOpenInterest)
	assert.Equal(t, 14, policy.DTEPairs[0].FrontTarget)
}

func TestPolicyForFillsMissingPieces(t *testing.T) {
	pool := &WorkerPool{cfg: testConfig()}

	// A settings row saved before dte_pairs or vol_point existed
	settings := &database.UserSettings{FFThreshold: 0.25}
	policy := pool.policyFor(settings)
	assert.Equal(t, engine.VolPointATM, policy.VolPoint)
	assert.Equal(t, []database.DTEPair(defaultDTEPairs), policy.DTEPairs)
}

func TestTrackerParamsFor(t *testing.T) {
	pool := &WorkerPool{cfg: testConfig()}

	t.Run("defaults without settings", func(t *testing.T) {
		params := pool.trackerParamsFor(nil, engine.Policy{FFThreshold: 0.20})
		assert.Equal(t, 0.20, params.FFThreshold)
		assert.Equal(t, 2, params.StabilityScans)
		assert.Equal(t, 120, params.CooldownMinutes)
		assert.Equal(t, 0.02, params.DeltaFFMin)
	})

	t.Run("user settings override", func(t *testing.T) {
		settings := &database.UserSettings{StabilityScans: 5, CooldownMinutes: 30}
		params := pool.trackerParamsFor(settings, engine.Policy{FFThreshold: 0.40})
		assert.Equal(t, 0.40, params.FFThreshold)
		assert.Equal(t, 5, params.StabilityScans)
		assert.Equal(t, 30, params.CooldownMinutes)
	})
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "scanned|AAPL|12345", scannedKey("AAPL", 12345))
	assert.Equal(t, "chain|AAPL|12345", chainKey("AAPL", 12345))
	assert.Equal(t, "expiries|AAPL", expiriesKey("AAPL"))

	// Different buckets never collide
	assert.NotEqual(t, scannedKey("AAPL", 1), scannedKey("AAPL", 2))
}
