// Package registry manages the master ticker registry, subscriptions and the
// batched subscriber-policy reads the scan workers depend on.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"forward-factor-scanner/database"
	"forward-factor-scanner/helpers"
)

// Tier rule: a ticker is high tier when some subscriber's front-target window
// covers a listed expiry this close to its target.
const highTierFrontSlackDays = 5

// Repository handles ticker registry and subscription operations
type Repository struct {
	db *database.Database
}

// NewRepository creates a new registry repository
func NewRepository(db *database.Database) *Repository {
	return &Repository{db: db}
}

// GetOrCreateTicker returns the registry row for a symbol, creating it on
// first subscription
func (r *Repository) GetOrCreateTicker(ctx context.Context, ticker string) (*database.MasterTicker, error) {
	ticker, err := helpers.NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}

	row := database.MasterTicker{Ticker: ticker, ScanTier: database.TierLow}
	result := r.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create ticker %s: %w", ticker, result.Error)
	}

	var out database.MasterTicker
	if err := r.db.DB().WithContext(ctx).First(&out, "ticker = ?", ticker).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// TickersByTier returns all tickers in a scan tier
func (r *Repository) TickersByTier(ctx context.Context, tier string) ([]string, error) {
	var tickers []string
	err := r.db.DB().WithContext(ctx).
		Model(&database.MasterTicker{}).
		Where("scan_tier = ?", tier).
		Pluck("ticker", &tickers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tier tickers: %w", tier, err)
	}
	return tickers, nil
}

// UpdateLastScan stamps the ticker row after a completed scan
func (r *Repository) UpdateLastScan(ctx context.Context, ticker string, at time.Time) error {
	return r.db.DB().WithContext(ctx).
		Model(&database.MasterTicker{}).
		Where("ticker = ?", ticker).
		Update("last_scan_at", at).Error
}

// AddSubscription subscribes a user to a ticker, creating the registry row on
// first subscription and reactivating a soft-removed edge
func (r *Repository) AddSubscription(ctx context.Context, userID uuid.UUID, ticker string) (*database.Subscription, error) {
	if _, err := r.GetOrCreateTicker(ctx, ticker); err != nil {
		return nil, err
	}
	ticker, _ = helpers.NormalizeTicker(ticker)

	sub := database.Subscription{
		UserID:  userID,
		Ticker:  ticker,
		Active:  true,
		AddedAt: time.Now().UTC(),
	}
	result := r.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "ticker"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"active": true}),
		}).
		Create(&sub)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to add subscription: %w", result.Error)
	}
	return &sub, nil
}

// RemoveSubscription deactivates a (user, ticker) edge
func (r *Repository) RemoveSubscription(ctx context.Context, userID uuid.UUID, ticker string) error {
	ticker, err := helpers.NormalizeTicker(ticker)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(&database.Subscription{}).
		Where("user_id = ? AND ticker = ?", userID, ticker).
		Update("active", false).Error
}

// Subscriber is one active subscriber of a ticker together with their policy.
// Settings is nil when the user has no settings row; callers apply defaults.
type Subscriber struct {
	User     database.User
	Settings *database.UserSettings
}

// SubscribersWithSettings loads every active subscriber of a ticker and their
// settings in one batched read, avoiding an N+1 per-user fan-out in the
// scan worker
func (r *Repository) SubscribersWithSettings(ctx context.Context, ticker string) ([]Subscriber, error) {
	ticker, err := helpers.NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}

	var users []database.User
	err = r.db.DB().WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.user_id = users.id").
		Where("subscriptions.ticker = ? AND subscriptions.active AND users.status = ?", ticker, database.UserStatusActive).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers for %s: %w", ticker, err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	var settings []database.UserSettings
	if err := r.db.DB().WithContext(ctx).Where("user_id IN ?", ids).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}

	byUser := make(map[uuid.UUID]*database.UserSettings, len(settings))
	for i := range settings {
		byUser[settings[i].UserID] = &settings[i]
	}

	subscribers := make([]Subscriber, 0, len(users))
	for _, u := range users {
		subscribers = append(subscribers, Subscriber{User: u, Settings: byUser[u.ID]})
	}
	return subscribers, nil
}

// AllTickers returns every registry row
func (r *Repository) AllTickers(ctx context.Context) ([]database.MasterTicker, error) {
	var tickers []database.MasterTicker
	if err := r.db.DB().WithContext(ctx).Find(&tickers).Error; err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	return tickers, nil
}

// GetUserByID fetches a user row, nil when absent
func (r *Repository) GetUserByID(ctx context.Context, userID uuid.UUID) (*database.User, error) {
	var user database.User
	err := r.db.DB().WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByChatID looks a user up by their messenger chat id
func (r *Repository) GetUserByChatID(ctx context.Context, chatID string) (*database.User, error) {
	var user database.User
	err := r.db.DB().WithContext(ctx).First(&user, "telegram_chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserSettings returns a user's settings row, nil if none exists
func (r *Repository) GetUserSettings(ctx context.Context, userID uuid.UUID) (*database.UserSettings, error) {
	var settings database.UserSettings
	err := r.db.DB().WithContext(ctx).First(&settings, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveUserSettings validates and upserts a user's policy. The timezone must be
// a known IANA identifier; unknown zones are rejected here, at write time, so
// the router never has to deal with them.
func (r *Repository) SaveUserSettings(ctx context.Context, settings *database.UserSettings) error {
	if settings.FFThreshold <= 0 || settings.FFThreshold > 1 {
		return fmt.Errorf("ff_threshold must be in (0, 1], got %v", settings.FFThreshold)
	}
	if settings.StabilityScans < 1 {
		return fmt.Errorf("stability_scans must be >= 1, got %d", settings.StabilityScans)
	}
	if settings.CooldownMinutes < 0 || settings.SigmaFwdFloor < 0 ||
		settings.MinOpenInterest < 0 || settings.MinVolume < 0 {
		return fmt.Errorf("policy values must be non-negative")
	}
	if settings.MaxBidAskPct < 0 || settings.MaxBidAskPct > 1 {
		return fmt.Errorf("max_bid_ask_pct must be in [0, 1], got %v", settings.MaxBidAskPct)
	}
	if err := helpers.ValidateTimezone(settings.Timezone); err != nil {
		return err
	}
	if settings.QuietHours.Enabled {
		if err := helpers.ValidateClock(settings.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet_hours start: %w", err)
		}
		if err := helpers.ValidateClock(settings.QuietHours.End); err != nil {
			return fmt.Errorf("quiet_hours end: %w", err)
		}
	}

	return r.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(settings).Error
}

// MarkUserInactive disables a user after a permanent messenger failure
func (r *Repository) MarkUserInactive(ctx context.Context, userID uuid.UUID) error {
	return r.db.DB().WithContext(ctx).
		Model(&database.User{}).
		Where("id = ?", userID).
		Update("status", database.UserStatusInactive).Error
}

// RecomputeTiers reassigns every registry row's tier. Runs daily and after
// subscription changes; writes are idempotent so concurrent schedulers are
// harmless.
//
// listedExpiries carries the expiry dates last seen per ticker (cached by the
// workers); a subscribed ticker with no expiry information yet sits in the
// medium tier until a scan populates it.
func (r *Repository) RecomputeTiers(ctx context.Context, listedExpiries map[string][]time.Time, now time.Time) error {
	type countRow struct {
		Ticker string
		Count  int
	}
	var counts []countRow
	err := r.db.DB().WithContext(ctx).
		Model(&database.Subscription{}).
		Select("ticker, COUNT(user_id) AS count").
		Where("active").
		Group("ticker").
		Scan(&counts).Error
	if err != nil {
		return fmt.Errorf("failed to count subscribers: %w", err)
	}

	countByTicker := make(map[string]int, len(counts))
	for _, c := range counts {
		countByTicker[c.Ticker] = c.Count
	}

	var allTickers []database.MasterTicker
	if err := r.db.DB().WithContext(ctx).Find(&allTickers).Error; err != nil {
		return fmt.Errorf("failed to list tickers: %w", err)
	}

	for _, row := range allTickers {
		count := countByTicker[row.Ticker]
		tier := database.TierLow
		if count > 0 {
			tier = database.TierMedium
			if r.hasNearTargetExpiry(ctx, row.Ticker, listedExpiries[row.Ticker], now) {
				tier = database.TierHigh
			}
		}

		err := r.db.DB().WithContext(ctx).
			Model(&database.MasterTicker{}).
			Where("ticker = ?", row.Ticker).
			Updates(map[string]interface{}{
				"active_subscriber_count": count,
				"scan_tier":               tier,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update tier for %s: %w", row.Ticker, err)
		}
	}
	return nil
}

// hasNearTargetExpiry reports whether any active subscriber of the ticker has
// a dte_pairs front target whose window covers a listed expiry within
// highTierFrontSlackDays of the target
func (r *Repository) hasNearTargetExpiry(ctx context.Context, ticker string, expiries []time.Time, now time.Time) bool {
	if len(expiries) == 0 {
		return false
	}

	subscribers, err := r.SubscribersWithSettings(ctx, ticker)
	if err != nil {
		return false
	}

	for _, sub := range subscribers {
		if sub.Settings == nil {
			continue
		}
		for _, pair := range sub.Settings.DTEPairs {
			for _, expiry := range expiries {
				dte := helpers.CalculateDTE(expiry, now)
				off := dte - pair.FrontTarget
				if off < 0 {
					off = -off
				}
				if off <= pair.FrontTol && off <= highTierFrontSlackDays {
					return true
				}
			}
		}
	}
	return false
}
