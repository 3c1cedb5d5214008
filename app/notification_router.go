package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"forward-factor-scanner/cache"
	"forward-factor-scanner/config"
	"forward-factor-scanner/database"
	"forward-factor-scanner/database/registry"
	"forward-factor-scanner/database/signals"
	"forward-factor-scanner/helpers"
	"forward-factor-scanner/notifications"
)

// Delivery retry tuning for transient messenger failures
const (
	deliveryMaxAttempts = 3
	deliveryBackoffBase = 2 * time.Second
)

// Per-user mailbox depth; a user this far behind has new notifications
// dropped until their dispatcher catches up
const mailboxDepth = 16

// SignalReader is the slice of the signal store the router needs
type SignalReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*database.Signal, error)
}

// UserStore is the slice of the registry the router needs. Tests substitute
// in-memory fakes; production passes the gorm-backed repositories.
type UserStore interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*database.User, error)
	GetUserSettings(ctx context.Context, userID uuid.UUID) (*database.UserSettings, error)
	MarkUserInactive(ctx context.Context, userID uuid.UUID) error
}

// Compile-time interface compliance checks
var (
	_ SignalReader = (*signals.Repository)(nil)
	_ UserStore    = (*registry.Repository)(nil)
)

// Router drains the notification queue and delivers through the messenger.
// Each user gets a dedicated dispatcher goroutine so one slow or rate-limited
// chat never delays anyone else, and deliveries to the same user stay FIFO.
type Router struct {
	cfg       *config.Config
	cache     *cache.RedisClient
	signals   SignalReader
	registry  UserStore
	messenger notifications.Messenger

	// Base delay between transient retries
	backoff time.Duration

	mu        sync.Mutex
	mailboxes map[uuid.UUID]chan notificationJob
}

// NewRouter creates a notification router
func NewRouter(cfg *config.Config, cache *cache.RedisClient, sig SignalReader,
	reg UserStore, messenger notifications.Messenger) *Router {
	return &Router{
		cfg:       cfg,
		cache:     cache,
		signals:   sig,
		registry:  reg,
		messenger: messenger,
		backoff:   deliveryBackoffBase,
		mailboxes: make(map[uuid.UUID]chan notificationJob),
	}
}

// Start drains the queue until the context is cancelled
func (r *Router) Start(ctx context.Context) {
	go r.drain(ctx)
	log.Println("🔄 Notification router started")
}

func (r *Router) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		var job notificationJob
		ok, err := r.cache.BRPop(ctx, NotificationQueue, dequeueWait, &job)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⚠️  Notification dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		r.dispatch(ctx, job)
	}
}

// dispatch hands the job to the user's dispatcher, spawning one on first use
func (r *Router) dispatch(ctx context.Context, job notificationJob) {
	r.mu.Lock()
	mailbox, exists := r.mailboxes[job.UserID]
	if !exists {
		mailbox = make(chan notificationJob, mailboxDepth)
		r.mailboxes[job.UserID] = mailbox
		go r.userDispatcher(ctx, mailbox)
	}
	r.mu.Unlock()

	select {
	case mailbox <- job:
	default:
		log.Printf("🚨 Mailbox full for user %s, dropping signal %s", job.UserID, job.SignalID)
	}
}

func (r *Router) userDispatcher(ctx context.Context, mailbox chan notificationJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-mailbox:
			r.deliver(ctx, job)
		}
	}
}

// deliver performs the final per-user gates and sends. Quiet hours and a
// below-threshold recheck drop silently; transient sends retry with backoff;
// an unreachable recipient deactivates the user.
func (r *Router) deliver(ctx context.Context, job notificationJob) {
	signal, err := r.signals.GetByID(ctx, job.SignalID)
	if err != nil {
		log.Printf("⚠️  Could not load signal %s: %v", job.SignalID, err)
		return
	}

	user, err := r.registry.GetUserByID(ctx, job.UserID)
	if err != nil || user == nil {
		log.Printf("⚠️  Could not load user %s for signal %s", job.UserID, job.SignalID)
		return
	}
	if user.Status != database.UserStatusActive {
		return
	}

	settings, err := r.registry.GetUserSettings(ctx, job.UserID)
	if err != nil {
		log.Printf("⚠️  Could not load settings for user %s: %v", job.UserID, err)
		return
	}

	threshold := r.cfg.Defaults.FFThreshold
	if settings != nil {
		threshold = settings.FFThreshold
	}
	// The threshold may have been raised between approval and delivery
	if signal.FFValue < threshold {
		log.Printf("📊 Signal %s FF %.4f now below user %s threshold %.4f, dropping",
			signal.Ticker, signal.FFValue, job.UserID, threshold)
		return
	}

	if settings != nil && settings.QuietHours.Enabled {
		quiet, err := helpers.InQuietHours(time.Now().UTC(),
			settings.QuietHours.Start, settings.QuietHours.End, settings.Timezone)
		if err != nil {
			log.Printf("⚠️  Quiet hours check failed for user %s: %v", job.UserID, err)
		} else if quiet {
			log.Printf("📊 Quiet hours for user %s, dropping signal %s %.4f",
				job.UserID, signal.Ticker, signal.FFValue)
			return
		}
	}

	text := helpers.FormatSignalMessage(signal)
	for attempt := 0; attempt < deliveryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.Scan.MessengerTimeout)
		err = r.messenger.SendSignal(sendCtx, user.TelegramChatID, text, signal.ID)
		cancel()
		if err == nil {
			log.Printf("✅ Delivered %s FF %.4f to user %s", signal.Ticker, signal.FFValue, job.UserID)
			return
		}

		if errors.Is(err, notifications.ErrRecipientGone) {
			log.Printf("🚨 User %s unreachable, deactivating: %v", job.UserID, err)
			if err := r.registry.MarkUserInactive(ctx, job.UserID); err != nil {
				log.Printf("⚠️  Could not deactivate user %s: %v", job.UserID, err)
			}
			return
		}
		if !errors.Is(err, notifications.ErrTransient) {
			log.Printf("⚠️  Delivery to user %s failed permanently: %v", job.UserID, err)
			return
		}
	}
	log.Printf("⚠️  Delivery to user %s gave up after %d attempts: %v", job.UserID, deliveryMaxAttempts, err)
}
