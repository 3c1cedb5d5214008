package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider(serverURL string) *PolygonProvider {
	p := NewPolygonProvider("test-key", 2*time.Second)
	p.baseURL = serverURL
	return p
}

func TestGetJSONClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		body       string
		wantKind   string
		wantRetry  time.Duration
		wantErrNil bool
	}{
		{
			name: "success", status: http.StatusOK, body: `{"status":"OK"}`,
			wantErrNil: true,
		},
		{
			name: "rate limited with retry-after", status: http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "7"},
			wantKind: KindRateLimited, wantRetry: 7 * time.Second,
		},
		{
			name: "server error is transient", status: http.StatusBadGateway,
			wantKind: KindTransient,
		},
		{
			name: "client error is permanent", status: http.StatusUnauthorized,
			body: `{"error":"bad key"}`, wantKind: KindPermanent,
		},
		{
			name: "malformed payload is permanent", status: http.StatusOK,
			body: `{truncated`, wantKind: KindPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := testProvider(srv.URL)
			var dest map[string]interface{}
			err := p.getJSON(context.Background(), srv.URL, &dest)

			if tt.wantErrNil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantKind, pe.Kind)
			if tt.wantRetry > 0 {
				assert.Equal(t, tt.wantRetry, pe.RetryAfter)
			}
		})
	}
}

func TestGetChainSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/aggs/ticker/AAPL/prev", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"c":187.5}]}`)
	})
	mux.HandleFunc("/v3/snapshot/options/AAPL", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"status": "OK",
			"results": [
				{
					"details": {"ticker":"O:AAPL260320C00185000","strike_price":185,"contract_type":"call","expiration_date":"2026-03-20"},
					"greeks": {"implied_volatility":0.31,"delta":0.55},
					"last_quote": {"bid":5.10,"ask":5.30},
					"day": {"volume":1200},
					"open_interest": 4500
				},
				{
					"details": {"ticker":"O:AAPL260417P00185000","strike_price":185,"contract_type":"put","expiration_date":"2026-04-17"},
					"greeks": {"implied_volatility":0.28,"delta":-0.45},
					"last_quote": {"bid":6.00,"ask":6.25},
					"day": {"volume":800},
					"open_interest": 3100
				}
			]
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := testProvider(srv.URL)
	snap, err := p.GetChainSnapshot(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", snap.Ticker)
	assert.Equal(t, 187.5, snap.UnderlyingPrice)
	assert.Equal(t, "polygon", snap.Provider)
	require.Len(t, snap.Expiries, 2)

	front := snap.Expiries[0]
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), front.ExpiryDate)
	require.Len(t, front.Contracts, 1)
	assert.Equal(t, RightCall, front.Contracts[0].Right)
	require.NotNil(t, front.Contracts[0].ImpliedVol)
	assert.Equal(t, 0.31, *front.Contracts[0].ImpliedVol)
	require.NotNil(t, front.Contracts[0].OpenInterest)
	assert.Equal(t, 4500, *front.Contracts[0].OpenInterest)
}

func TestGetChainSnapshotRejectsBadTicker(t *testing.T) {
	p := NewPolygonProvider("test-key", time.Second)
	_, err := p.GetChainSnapshot(context.Background(), "not a ticker")
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindPermanent, pe.Kind)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Error{Kind: KindTransient}))
	assert.True(t, IsTransient(&Error{Kind: KindRateLimited}))
	assert.False(t, IsTransient(&Error{Kind: KindPermanent}))
	assert.False(t, IsTransient(errors.New("plain error")))
	assert.False(t, IsTransient(nil))

	wrapped := fmt.Errorf("fetch failed: %w", &Error{Kind: KindTransient})
	assert.True(t, IsTransient(wrapped))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 9*time.Second, RetryAfter(&Error{Kind: KindRateLimited, RetryAfter: 9 * time.Second}))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("plain error")))
	assert.Equal(t, time.Duration(0), RetryAfter(nil))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 12*time.Second, parseRetryAfter("12"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}

func TestReplayProviderRepeatsLastSnapshot(t *testing.T) {
	rp := NewReplayProvider()
	first := &ChainSnapshot{Ticker: "AAPL", UnderlyingPrice: 100}
	second := &ChainSnapshot{Ticker: "AAPL", UnderlyingPrice: 101}
	rp.Add("AAPL", first)
	rp.Add("AAPL", second)

	s1, err := rp.GetChainSnapshot(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, s1.UnderlyingPrice)

	s2, err := rp.GetChainSnapshot(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 101.0, s2.UnderlyingPrice)

	s3, err := rp.GetChainSnapshot(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 101.0, s3.UnderlyingPrice)

	_, err = rp.GetChainSnapshot(context.Background(), "MSFT")
	require.Error(t, err)
}
