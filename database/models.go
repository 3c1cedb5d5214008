// Package database provides storage for the forward-factor scanner.
//
// Two connection paths exist, mirroring how the rest of the system uses them:
//   - GORM over the postgres driver for model management and repository writes
//   - database/sql over lib/pq for the health probe and read-heavy join queries
//
// Durable state owned here: tickers, subscriptions, user settings, signals and
// per-user decisions. Queue and debounce state lives in Redis, not here.
package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User statuses
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// Decision kinds. Closed set: anything else is rejected at write time.
const (
	DecisionPlaced  = "placed"
	DecisionIgnored = "ignored"
)

// Scan tiers
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// DTEPair is one expiry-pairing rule: pick the front expiry closest to
// FrontTarget within FrontTol days, likewise for the back leg.
type DTEPair struct {
	FrontTarget int `json:"front"`
	BackTarget  int `json:"back"`
	FrontTol    int `json:"front_tol"`
	BackTol     int `json:"back_tol"`
}

// DTEPairList stores pairing rules as a jsonb column
type DTEPairList []DTEPair

// Value implements driver.Valuer
func (l DTEPairList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *DTEPairList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// QuietHours is a user-local window during which notifications are suppressed.
// Start and End are "HH:MM" in the user's timezone; End < Start wraps midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Value implements driver.Valuer
func (q QuietHours) Value() (driver.Value, error) {
	return json.Marshal(q)
}

// Scan implements sql.Scanner
func (q *QuietHours) Scan(src interface{}) error {
	return scanJSON(src, q)
}

// StringList stores reason codes as a jsonb column
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// User represents a messenger-linked account
type User struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TelegramChatID string    `gorm:"uniqueIndex;not null" json:"telegram_chat_id"`
	Status         string    `gorm:"size:20;default:active;not null" json:"status"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

// BeforeCreate assigns a UUID primary key
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// UserSettings is the per-user signal policy.
//
// Key Fields:
//   - FFThreshold: minimum Forward Factor to alert (fraction, 0 < v <= 1)
//   - DTEPairs: expiry pairing rules evaluated per scan
//   - VolPoint: which contract's IV represents an expiry (ATM, 35d_put, 35d_call)
//   - StabilityScans: consecutive above-threshold scans required before alerting
//   - CooldownMinutes: minimum gap between alerts for the same expiry pair
//   - Timezone: validated IANA zone; quiet hours are evaluated in it
type UserSettings struct {
	UserID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"user_id"`
	FFThreshold     float64     `gorm:"not null" json:"ff_threshold"`
	DTEPairs        DTEPairList `gorm:"type:jsonb" json:"dte_pairs"`
	VolPoint        string      `gorm:"size:20;default:ATM;not null" json:"vol_point"`
	MinOpenInterest int         `gorm:"not null" json:"min_open_interest"`
	MinVolume       int         `gorm:"not null" json:"min_volume"`
	MaxBidAskPct    float64     `gorm:"not null" json:"max_bid_ask_pct"`
	SigmaFwdFloor   float64     `gorm:"not null" json:"sigma_fwd_floor"`
	StabilityScans  int         `gorm:"not null" json:"stability_scans"`
	CooldownMinutes int         `gorm:"not null" json:"cooldown_minutes"`
	QuietHours      QuietHours  `gorm:"type:jsonb" json:"quiet_hours"`
	Timezone        string      `gorm:"size:64;not null" json:"timezone"`
}

// TableName specifies the table name for UserSettings
func (UserSettings) TableName() string {
	return "user_settings"
}

// MasterTicker tracks every monitored ticker and its scan tier
type MasterTicker struct {
	Ticker                string     `gorm:"size:5;primaryKey" json:"ticker"`
	ActiveSubscriberCount int        `gorm:"default:0;not null" json:"active_subscriber_count"`
	LastScanAt            *time.Time `json:"last_scan_at,omitempty"`
	ScanTier              string     `gorm:"size:10;default:low;not null" json:"scan_tier"`
}

// TableName specifies the table name for MasterTicker
func (MasterTicker) TableName() string {
	return "master_tickers"
}

// Subscription links a user to a ticker they want scanned
type Subscription struct {
	UserID  uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	Ticker  string    `gorm:"size:5;primaryKey;index" json:"ticker"`
	Active  bool      `gorm:"default:true;not null" json:"active"`
	AddedAt time.Time `gorm:"not null" json:"added_at"`
}

// TableName specifies the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}

// Signal is an immutable record of a Forward Factor dislocation.
// The dedupe key collapses repeated emissions of the same logical signal
// within a day; uniqueness is enforced by the database, not by callers.
type Signal struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Ticker          string     `gorm:"size:5;index;not null" json:"ticker"`
	AsOfTS          time.Time  `gorm:"index;not null" json:"as_of_ts"`
	FrontExpiry     time.Time  `gorm:"type:date;not null" json:"front_expiry"`
	BackExpiry      time.Time  `gorm:"type:date;not null" json:"back_expiry"`
	FrontDTE        int        `gorm:"not null" json:"front_dte"`
	BackDTE         int        `gorm:"not null" json:"back_dte"`
	FrontIV         float64    `gorm:"not null" json:"front_iv"`
	BackIV          float64    `gorm:"not null" json:"back_iv"`
	SigmaFwd        float64    `gorm:"not null" json:"sigma_fwd"`
	FFValue         float64    `gorm:"index;not null" json:"ff_value"`
	VolPoint        string     `gorm:"size:20;not null" json:"vol_point"`
	QualityScore    float64    `json:"quality_score"`
	ReasonCodes     StringList `gorm:"type:jsonb" json:"reason_codes"`
	DedupeKey       string     `gorm:"size:64;uniqueIndex;not null" json:"dedupe_key"`
	UnderlyingPrice float64    `json:"underlying_price"`
	Provider        string     `gorm:"size:20" json:"provider"`
}

// BeforeCreate assigns a UUID primary key
func (s *Signal) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name for Signal
func (Signal) TableName() string {
	return "signals"
}

// SignalUserDecision records what a user did with a signal.
// At most one decision per (signal, user); re-recording overwrites.
type SignalUserDecision struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SignalID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_decisions_user_signal,priority:2;not null" json:"signal_id"`
	UserID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_decisions_user_signal,priority:1;not null" json:"user_id"`
	Decision   string    `gorm:"size:20;not null" json:"decision"`
	DecisionTS time.Time `gorm:"not null" json:"decision_ts"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	ExitPrice  *float64  `json:"exit_price,omitempty"`
	PnL        *float64  `gorm:"column:pnl" json:"pnl,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// BeforeCreate assigns a UUID primary key
func (d *SignalUserDecision) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name for SignalUserDecision
func (SignalUserDecision) TableName() string {
	return "signal_user_decisions"
}

// ValidDecision reports whether kind belongs to the closed decision set
func ValidDecision(kind string) bool {
	return kind == DecisionPlaced || kind == DecisionIgnored
}
