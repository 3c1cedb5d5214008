package provider

import (
	"context"
	"fmt"
	"sync"
)

// ReplayProvider serves canned snapshots, for tests and dry runs.
// Successive calls for the same ticker walk its snapshot sequence and then
// repeat the last one, so scans after the sequence ends stay stable.
type ReplayProvider struct {
	mu        sync.Mutex
	snapshots map[string][]*ChainSnapshot
	cursor    map[string]int
}

// Compile-time interface compliance check
var _ ChainProvider = (*ReplayProvider)(nil)

// NewReplayProvider creates an empty replay provider
func NewReplayProvider() *ReplayProvider {
	return &ReplayProvider{
		snapshots: make(map[string][]*ChainSnapshot),
		cursor:    make(map[string]int),
	}
}

// Add appends a snapshot to a ticker's replay sequence
func (r *ReplayProvider) Add(ticker string, snapshot *ChainSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[ticker] = append(r.snapshots[ticker], snapshot)
}

// GetChainSnapshot returns the next snapshot in the ticker's sequence
func (r *ReplayProvider) GetChainSnapshot(_ context.Context, ticker string) (*ChainSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.snapshots[ticker]
	if len(seq) == 0 {
		return nil, &Error{Kind: KindPermanent, Err: fmt.Errorf("no replay data for %s", ticker)}
	}

	i := r.cursor[ticker]
	if i >= len(seq) {
		i = len(seq) - 1
	} else {
		r.cursor[ticker] = i + 1
	}
	return seq[i], nil
}
