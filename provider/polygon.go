package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"forward-factor-scanner/helpers"
)

const polygonBaseURL = "https://api.polygon.io"

// PolygonProvider fetches option chains from the Polygon.io REST API.
// All workers share one instance so the rate limiter and circuit breaker
// see the full request volume.
type PolygonProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	bucket  *tokenBucket
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface compliance check
var _ ChainProvider = (*PolygonProvider)(nil)

// NewPolygonProvider creates a Polygon chain provider
func NewPolygonProvider(apiKey string, timeout time.Duration) *PolygonProvider {
	settings := gobreaker.Settings{
		Name:    "PolygonChainProvider",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("⚠️  Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}

	return &PolygonProvider{
		apiKey:  apiKey,
		baseURL: polygonBaseURL,
		client:  &http.Client{Timeout: timeout},
		bucket:  newTokenBucket(5, 5), // 5 requests burst, 5/s sustained
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// GetChainSnapshot fetches the full option chain for a ticker
func (p *PolygonProvider) GetChainSnapshot(ctx context.Context, ticker string) (*ChainSnapshot, error) {
	ticker, err := helpers.NormalizeTicker(ticker)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Err: err}
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		underlying, err := p.underlyingPrice(ctx, ticker)
		if err != nil {
			return nil, err
		}

		contracts, err := p.chainContracts(ctx, ticker)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		return &ChainSnapshot{
			Ticker:          ticker,
			AsOf:            now,
			UnderlyingPrice: underlying,
			Expiries:        groupByExpiry(contracts, now),
			Provider:        "polygon",
		}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindTransient, Err: err}
		}
		return nil, err
	}
	return result.(*ChainSnapshot), nil
}

func (p *PolygonProvider) underlyingPrice(ctx context.Context, ticker string) (float64, error) {
	var payload struct {
		Results []struct {
			Close float64 `json:"c"`
		} `json:"results"`
	}
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev", p.baseURL, url.PathEscape(ticker))
	if err := p.getJSON(ctx, endpoint, &payload); err != nil {
		return 0, err
	}
	if len(payload.Results) == 0 {
		return 0, &Error{Kind: KindPermanent, Err: fmt.Errorf("no price data for %s", ticker)}
	}
	return payload.Results[0].Close, nil
}

type polygonChainPage struct {
	Status  string `json:"status"`
	NextURL string `json:"next_url"`
	Results []struct {
		Details struct {
			Ticker         string  `json:"ticker"`
			StrikePrice    float64 `json:"strike_price"`
			ContractType   string  `json:"contract_type"`
			ExpirationDate string  `json:"expiration_date"`
		} `json:"details"`
		Greeks struct {
			ImpliedVolatility *float64 `json:"implied_volatility"`
			Delta             *float64 `json:"delta"`
		} `json:"greeks"`
		LastQuote struct {
			Bid *float64 `json:"bid"`
			Ask *float64 `json:"ask"`
		} `json:"last_quote"`
		LastTrade struct {
			Price *float64 `json:"price"`
		} `json:"last_trade"`
		Day struct {
			Volume *int `json:"volume"`
		} `json:"day"`
		OpenInterest *int `json:"open_interest"`
	} `json:"results"`
}

func (p *PolygonProvider) chainContracts(ctx context.Context, ticker string) ([]Contract, error) {
	var contracts []Contract

	endpoint := fmt.Sprintf("%s/v3/snapshot/options/%s?limit=250", p.baseURL, url.PathEscape(ticker))
	for endpoint != "" {
		var page polygonChainPage
		if err := p.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		if page.Status != "OK" {
			return nil, &Error{Kind: KindPermanent, Err: fmt.Errorf("polygon returned status %q", page.Status)}
		}

		for _, item := range page.Results {
			expiry, err := time.Parse("2006-01-02", item.Details.ExpirationDate)
			if err != nil {
				continue // contract without a parseable expiry is useless
			}

			right := RightPut
			if item.Details.ContractType == "call" {
				right = RightCall
			}

			contracts = append(contracts, Contract{
				Symbol:       item.Details.Ticker,
				Strike:       item.Details.StrikePrice,
				Expiry:       expiry,
				Right:        right,
				Bid:          item.LastQuote.Bid,
				Ask:          item.LastQuote.Ask,
				Last:         item.LastTrade.Price,
				Volume:       item.Day.Volume,
				OpenInterest: item.OpenInterest,
				ImpliedVol:   item.Greeks.ImpliedVolatility,
				Delta:        item.Greeks.Delta,
			})
		}

		endpoint = page.NextURL
	}

	return contracts, nil
}

// getJSON performs one rate-limited GET and classifies every failure mode
func (p *PolygonProvider) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	if err := p.bucket.wait(ctx); err != nil {
		return &Error{Kind: KindTransient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		p.bucket.penalize(retryAfter)
		return &Error{Kind: KindRateLimited, HTTPStatus: resp.StatusCode, RetryAfter: retryAfter,
			Err: fmt.Errorf("rate limited by provider")}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransient, HTTPStatus: resp.StatusCode,
			Err: fmt.Errorf("server error from provider")}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Kind: KindPermanent, HTTPStatus: resp.StatusCode,
			Err: fmt.Errorf("provider rejected request: %s", string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return &Error{Kind: KindPermanent, Err: fmt.Errorf("malformed provider payload: %w", err)}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

func groupByExpiry(contracts []Contract, now time.Time) []Expiry {
	byDate := make(map[time.Time][]Contract)
	for _, c := range contracts {
		byDate[c.Expiry] = append(byDate[c.Expiry], c)
	}

	expiries := make([]Expiry, 0, len(byDate))
	for date, group := range byDate {
		expiries = append(expiries, Expiry{
			ExpiryDate: date,
			DTE:        helpers.CalculateDTE(date, now),
			Contracts:  group,
		})
	}
	sort.Slice(expiries, func(i, j int) bool {
		return expiries[i].ExpiryDate.Before(expiries[j].ExpiryDate)
	})
	return expiries
}
