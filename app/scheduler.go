package app

import (
	"context"
	"log"
	"time"

	"forward-factor-scanner/cache"
	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/database/registry"
)

// How often the registry loop recounts subscribers and reassigns tiers
const registryRefreshInterval = 5 * time.Minute

// QueueStore is the slice of the cache the scheduler needs. Tests substitute
// an in-memory implementation; production passes *cache.RedisClient.
type QueueStore interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	LPush(ctx context.Context, queue string, value interface{}) error
	LLen(ctx context.Context, queue string) (int64, error)
	Get(ctx context.Context, key string, dest interface{}) error
}

// TierSource is the slice of the ticker registry the scheduler needs
type TierSource interface {
	TickersByTier(ctx context.Context, tier string) ([]string, error)
	AllTickers(ctx context.Context) ([]database.MasterTicker, error)
	RecomputeTiers(ctx context.Context, listedExpiries map[string][]time.Time, now time.Time) error
}

// Compile-time interface compliance checks
var (
	_ QueueStore = (*cache.RedisClient)(nil)
	_ TierSource = (*registry.Repository)(nil)
)

// Scheduler runs one enqueue loop per scan tier plus a registry refresh loop.
// It never talks to the provider: it only decides which tickers are due and
// pushes scan jobs. The SETNX guard per (ticker, bucket) makes concurrent
// schedulers safe; at most one wins each bucket.
type Scheduler struct {
	cfg      *config.Config
	cache    QueueStore
	registry TierSource
}

// NewScheduler creates a scan scheduler
func NewScheduler(cfg *config.Config, cache QueueStore, registry TierSource) *Scheduler {
	return &Scheduler{cfg: cfg, cache: cache, registry: registry}
}

// Start launches the tier loops and the registry refresh loop. They run until
// the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.tierLoop(ctx, database.TierHigh, s.cfg.Scan.CadenceHigh)
	go s.tierLoop(ctx, database.TierMedium, s.cfg.Scan.CadenceMedium)
	go s.tierLoop(ctx, database.TierLow, s.cfg.Scan.CadenceLow)
	go s.registryLoop(ctx)
	log.Printf("🔄 Scheduler started (high=%s medium=%s low=%s)",
		s.cfg.Scan.CadenceHigh, s.cfg.Scan.CadenceMedium, s.cfg.Scan.CadenceLow)
}

func (s *Scheduler) tierLoop(ctx context.Context, tier string, cadence time.Duration) {
	s.enqueueTier(ctx, tier, cadence)

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueTier(ctx, tier, cadence)
		}
	}
}

// enqueueTier pushes one scan job per due ticker in the tier. Jobs carry the
// current cadence bucket; a ticker already enqueued for this bucket is skipped.
func (s *Scheduler) enqueueTier(ctx context.Context, tier string, cadence time.Duration) {
	now := time.Now().UTC()
	bucket := now.Unix() / int64(cadence/time.Second)

	depth, err := s.cache.LLen(ctx, ScanQueue)
	if err != nil {
		log.Printf("⚠️  Scheduler could not read queue depth: %v", err)
		return
	}
	if depth >= int64(s.cfg.Scan.QueueHighWaterMark) {
		log.Printf("🚨 Scan queue at %d (high water %d), skipping %s tier bucket %d",
			depth, s.cfg.Scan.QueueHighWaterMark, tier, bucket)
		return
	}

	tickers, err := s.registry.TickersByTier(ctx, tier)
	if err != nil {
		log.Printf("⚠️  Scheduler could not list %s tier tickers: %v", tier, err)
		return
	}

	enqueued := 0
	for _, ticker := range tickers {
		won, err := s.cache.SetNX(ctx, scannedKey(ticker, bucket), "1", cadence)
		if err != nil {
			log.Printf("⚠️  Scheduler dedup check failed for %s: %v", ticker, err)
			continue
		}
		if !won {
			continue
		}
		job := scanJob{Ticker: ticker, Bucket: bucket, Tier: tier}
		if err := s.cache.LPush(ctx, ScanQueue, job); err != nil {
			log.Printf("⚠️  Scheduler could not enqueue %s: %v", ticker, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("📊 Enqueued %d/%d %s tier tickers (bucket %d)", enqueued, len(tickers), tier, bucket)
	}
}

// registryLoop periodically recounts subscribers and reassigns scan tiers.
// Listed expiry dates come from the cache the workers populate; a ticker the
// workers have not scanned yet simply has no expiry info and cannot be high
// tier until they do.
func (s *Scheduler) registryLoop(ctx context.Context) {
	s.refreshRegistry(ctx)

	ticker := time.NewTicker(registryRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRegistry(ctx)
		}
	}
}

func (s *Scheduler) refreshRegistry(ctx context.Context) {
	rows, err := s.registry.AllTickers(ctx)
	if err != nil {
		log.Printf("⚠️  Registry refresh could not list tickers: %v", err)
		return
	}

	listedExpiries := make(map[string][]time.Time, len(rows))
	for _, row := range rows {
		var dates []time.Time
		if err := s.cache.Get(ctx, expiriesKey(row.Ticker), &dates); err == nil && len(dates) > 0 {
			listedExpiries[row.Ticker] = dates
		}
	}

	if err := s.registry.RecomputeTiers(ctx, listedExpiries, time.Now().UTC()); err != nil {
		log.Printf("⚠️  Tier recomputation failed: %v", err)
		return
	}
	log.Printf("✅ Registry refreshed (%d tickers)", len(rows))
}
