package app

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"forward-factor-scanner/cache"
	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/database/registry"
	"forward-factor-scanner/database/signals"
	"forward-factor-scanner/engine"
	"forward-factor-scanner/provider"
	"forward-factor-scanner/tracker"
)

// How long a worker blocks on the scan queue before refreshing its heartbeat
const dequeueWait = 5 * time.Second

// Listed expiry dates change rarely; a day of staleness only delays a tier
// promotion by one refresh cycle
const expiriesTTL = 24 * time.Hour

// Pairing rules applied when a user has no settings row
var defaultDTEPairs = database.DTEPairList{
	{FrontTarget: 30, BackTarget: 60, FrontTol: 5, BackTol: 10},
	{FrontTarget: 30, BackTarget: 90, FrontTol: 5, BackTol: 10},
	{FrontTarget: 60, BackTarget: 90, FrontTol: 10, BackTol: 10},
}

// WorkerPool consumes scan jobs: fetch the chain once, evaluate it per
// subscriber, persist every threshold-meeting signal and enqueue notifications
// the stability tracker approves.
type WorkerPool struct {
	cfg      *config.Config
	cache    *cache.RedisClient
	chains   provider.ChainProvider
	tracker  *tracker.Tracker
	signals  *signals.Repository
	registry *registry.Repository
}

// NewWorkerPool creates a scan worker pool
func NewWorkerPool(cfg *config.Config, cache *cache.RedisClient, chains provider.ChainProvider,
	trk *tracker.Tracker, sig *signals.Repository, reg *registry.Repository) *WorkerPool {
	return &WorkerPool{
		cfg:      cfg,
		cache:    cache,
		chains:   chains,
		tracker:  trk,
		signals:  sig,
		registry: reg,
	}
}

// Start runs the configured number of workers until the context is cancelled
func (w *WorkerPool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Scan.WorkerCount; i++ {
		id := i
		g.Go(func() error {
			return w.run(ctx, id)
		})
	}
	log.Printf("🔄 Scan worker pool started (%d workers)", w.cfg.Scan.WorkerCount)
	return g.Wait()
}

func (w *WorkerPool) run(ctx context.Context, id int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Heartbeat for the health probe; refreshed every dequeue cycle
		_ = w.cache.Set(ctx, workerReadyKey, time.Now().UTC(), w.cfg.Scan.CadenceHigh)

		var job scanJob
		ok, err := w.cache.BRPop(ctx, ScanQueue, dequeueWait, &job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("⚠️  Worker %d dequeue failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := w.processJob(ctx, job); err != nil && ctx.Err() == nil {
			log.Printf("⚠️  Worker %d: scan of %s failed: %v", id, job.Ticker, err)
		}
	}
}

// processJob runs one scan to completion. A job older than its cadence bucket
// is dropped unprocessed: its data would be stale and its successor is already
// queued or imminent.
func (w *WorkerPool) processJob(ctx context.Context, job scanJob) error {
	cadence := w.cfg.Scan.CadenceForTier(job.Tier)
	bucketStart := time.Unix(job.Bucket*int64(cadence/time.Second), 0).UTC()
	deadline := bucketStart.Add(cadence)

	if time.Now().UTC().After(deadline) {
		log.Printf("⚠️  Dropping stale scan job %s (bucket %d expired)", job.Ticker, job.Bucket)
		return nil
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	snapshot, err := w.fetchSnapshot(ctx, job, cadence)
	if err != nil {
		return err
	}

	subscribers, err := w.registry.SubscribersWithSettings(ctx, job.Ticker)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if len(subscribers) == 0 {
		// Unsubscribed tickers still build signal history under the defaults
		w.evaluate(ctx, snapshot, w.policyFor(nil), nil, now)
	}
	for _, sub := range subscribers {
		w.evaluate(ctx, snapshot, w.policyFor(sub.Settings), &sub, now)
	}

	if err := w.registry.UpdateLastScan(ctx, job.Ticker, now); err != nil {
		log.Printf("⚠️  Could not stamp last scan for %s: %v", job.Ticker, err)
	}
	return nil
}

// fetchSnapshot returns the chain for the job's bucket, from cache when a
// previous worker already paid for the fetch. Transient provider failures are
// retried with backoff, honoring any server-requested delay.
func (w *WorkerPool) fetchSnapshot(ctx context.Context, job scanJob, cadence time.Duration) (*provider.ChainSnapshot, error) {
	key := chainKey(job.Ticker, job.Bucket)

	var cached provider.ChainSnapshot
	cacheCtx, cancel := context.WithTimeout(ctx, w.cfg.Scan.CacheTimeout)
	err := w.cache.Get(cacheCtx, key, &cached)
	cancel()
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Printf("⚠️  Chain cache read failed for %s: %v", job.Ticker, err)
	}

	var snapshot *provider.ChainSnapshot
	var lastErr error
	for attempt := 0; attempt < w.cfg.Scan.FetchMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if ra := provider.RetryAfter(lastErr); ra > backoff {
				backoff = ra
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		snapshot, lastErr = w.chains.GetChainSnapshot(ctx, job.Ticker)
		if lastErr == nil {
			break
		}
		if !provider.IsTransient(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if err := w.cache.Set(ctx, key, snapshot, cadence); err != nil {
		log.Printf("⚠️  Chain cache write failed for %s: %v", job.Ticker, err)
	}
	if dates := snapshot.ExpiryDates(); len(dates) > 0 {
		_ = w.cache.Set(ctx, expiriesKey(job.Ticker), dates, expiriesTTL)
	}
	return snapshot, nil
}

// evaluate computes signals under one policy, persists them, and enqueues
// notifications the tracker approves. sub is nil for the default-policy pass
// over unsubscribed tickers; that pass persists but never notifies.
func (w *WorkerPool) evaluate(ctx context.Context, snapshot *provider.ChainSnapshot, policy engine.Policy, sub *registry.Subscriber, now time.Time) {
	results, diagnostics := engine.Compute(snapshot, policy)
	for _, diag := range diagnostics {
		log.Printf("📊 Rejected pair %s", diag)
	}

	for i := range results {
		sig := results[i]

		created, err := w.signals.Create(ctx, &sig)
		if err != nil {
			log.Printf("⚠️  Could not persist signal %s %.4f: %v", sig.Ticker, sig.FFValue, err)
			continue
		}
		persisted := created
		if persisted == nil {
			// Duplicate insert coalesced; recover the canonical row's id
			persisted, err = w.signals.GetByDedupeKey(ctx, sig.DedupeKey)
			if err != nil {
				log.Printf("⚠️  Could not resolve coalesced signal for %s: %v", sig.Ticker, err)
				continue
			}
		}

		if sub == nil {
			continue
		}

		params := w.trackerParamsFor(sub.Settings, policy)
		alert, reason, err := w.tracker.Check(ctx, sig.Ticker, sig.FrontExpiry, sig.BackExpiry,
			sub.User.ID, sig.FFValue, params, now)
		if err != nil {
			log.Printf("⚠️  Stability check failed for %s/%s: %v", sig.Ticker, sub.User.ID, err)
			continue
		}
		if !alert {
			log.Printf("📊 %s FF %.4f held back for user %s: %s", sig.Ticker, sig.FFValue, sub.User.ID, reason)
			continue
		}

		job := notificationJob{SignalID: persisted.ID, UserID: sub.User.ID}
		if err := w.cache.LPush(ctx, NotificationQueue, job); err != nil {
			log.Printf("⚠️  Could not enqueue notification for %s: %v", sig.Ticker, err)
			continue
		}
		log.Printf("✅ Signal %s FF %.4f approved for user %s", sig.Ticker, sig.FFValue, sub.User.ID)
	}
}

// policyFor builds the engine policy from a settings row, falling back to the
// configured defaults when the user has none
func (w *WorkerPool) policyFor(settings *database.UserSettings) engine.Policy {
	d := w.cfg.Defaults
	if settings == nil {
		return engine.Policy{
			FFThreshold:     d.FFThreshold,
			DTEPairs:        defaultDTEPairs,
			VolPoint:        engine.VolPointATM,
			MinOpenInterest: d.MinOpenInterest,
			MinVolume:       d.MinVolume,
			MaxBidAskPct:    d.MaxBidAskPct,
			SigmaFwdFloor:   d.SigmaFwdFloor,
		}
	}

	pairs := settings.DTEPairs
	if len(pairs) == 0 {
		pairs = defaultDTEPairs
	}
	volPoint := settings.VolPoint
	if volPoint == "" {
		volPoint = engine.VolPointATM
	}
	return engine.Policy{
		FFThreshold:     settings.FFThreshold,
		DTEPairs:        pairs,
		VolPoint:        volPoint,
		MinOpenInterest: settings.MinOpenInterest,
		MinVolume:       settings.MinVolume,
		MaxBidAskPct:    settings.MaxBidAskPct,
		SigmaFwdFloor:   settings.SigmaFwdFloor,
	}
}

// trackerParamsFor maps a policy onto the debounce parameters. Stability and
// cooldown live in user settings; the re-alert delta is an operator knob.
func (w *WorkerPool) trackerParamsFor(settings *database.UserSettings, policy engine.Policy) tracker.Params {
	params := tracker.Params{
		FFThreshold:     policy.FFThreshold,
		StabilityScans:  w.cfg.Defaults.StabilityScans,
		CooldownMinutes: w.cfg.Defaults.CooldownMinutes,
		DeltaFFMin:      w.cfg.Scan.DeltaFFMin,
	}
	if settings != nil {
		params.StabilityScans = settings.StabilityScans
		params.CooldownMinutes = settings.CooldownMinutes
	}
	return params
}
