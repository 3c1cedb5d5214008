package app

import (
	"fmt"

	"github.com/google/uuid"
)

// Redis queue names
const (
	ScanQueue         = "scan_queue"
	NotificationQueue = "notification_queue"
)

// scanJob is one unit of scan work: a ticker pinned to the cadence bucket
// that produced it. The bucket makes the job self-describing for staleness
// checks and keys the chain snapshot cache.
type scanJob struct {
	Ticker string `json:"ticker"`
	Bucket int64  `json:"bucket"`
	Tier   string `json:"tier"`
}

// notificationJob references a persisted signal approved for delivery to one
// user. The router re-reads the signal so the queue payload stays small.
type notificationJob struct {
	SignalID uuid.UUID `json:"signal_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// scannedKey guards against double-enqueueing a ticker within one bucket
func scannedKey(ticker string, bucket int64) string {
	return fmt.Sprintf("scanned|%s|%d", ticker, bucket)
}

// chainKey caches the fetched chain snapshot for a bucket so a retried job
// never refetches
func chainKey(ticker string, bucket int64) string {
	return fmt.Sprintf("chain|%s|%d", ticker, bucket)
}

// expiriesKey caches a ticker's listed expiry dates for tier recomputation
func expiriesKey(ticker string) string {
	return fmt.Sprintf("expiries|%s", ticker)
}

// workerReadyKey is the liveness heartbeat the health probe checks
const workerReadyKey = "workers|ready"
