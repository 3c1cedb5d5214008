// Package signals is the durable, deduplicated signal store.
package signals

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"forward-factor-scanner/database"
)

// Repository handles signal and decision persistence
type Repository struct {
	db *database.Database
}

// NewRepository creates a new signal repository
func NewRepository(db *database.Database) *Repository {
	return &Repository{db: db}
}

// DedupeKey derives the collision-resistant identity of a logical signal:
// same ticker, expiry pair, vol point and calendar day hash to the same key.
// Deliberately excludes FF value, IVs and DTEs so repeated scans of the same
// dislocation coalesce.
func DedupeKey(ticker string, frontExpiry, backExpiry, asOf time.Time, volPoint string) string {
	raw := fmt.Sprintf("%s:%s:%s:%s:%s",
		ticker,
		frontExpiry.Format("2006-01-02"),
		backExpiry.Format("2006-01-02"),
		asOf.UTC().Format("2006-01-02"),
		volPoint,
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create inserts a signal, relying on the unique constraint on dedupe_key for
// race-free deduplication. Returns (nil, nil) when the signal already exists.
func (r *Repository) Create(ctx context.Context, signal *database.Signal) (*database.Signal, error) {
	if signal.DedupeKey == "" {
		signal.DedupeKey = DedupeKey(signal.Ticker, signal.FrontExpiry, signal.BackExpiry, signal.AsOfTS, signal.VolPoint)
	}

	result := r.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(signal)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to insert signal: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, nil // duplicate, silently coalesced
	}
	return signal, nil
}

// GetByID fetches a single signal
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*database.Signal, error) {
	var signal database.Signal
	result := r.db.DB().WithContext(ctx).First(&signal, "id = ?", id)
	if result.Error != nil {
		return nil, result.Error
	}
	return &signal, nil
}

// GetByDedupeKey fetches the signal a duplicate insert coalesced into
func (r *Repository) GetByDedupeKey(ctx context.Context, key string) (*database.Signal, error) {
	var signal database.Signal
	result := r.db.DB().WithContext(ctx).First(&signal, "dedupe_key = ?", key)
	if result.Error != nil {
		return nil, result.Error
	}
	return &signal, nil
}

// RecentSignals returns the newest signals for tickers the user subscribes to,
// optionally narrowed to one ticker
func (r *Repository) RecentSignals(ctx context.Context, userID uuid.UUID, ticker string, limit int) ([]database.Signal, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.DB().WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.ticker = signals.ticker").
		Where("subscriptions.user_id = ? AND subscriptions.active", userID).
		Order("signals.as_of_ts DESC").
		Limit(limit)

	if ticker != "" {
		query = query.Where("signals.ticker = ?", ticker)
	}

	var results []database.Signal
	if err := query.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	return results, nil
}

// RecordDecision upserts a user's decision on a signal. The kind must come
// from the closed decision set; the (user, signal) unique index makes the
// upsert a single statement.
func (r *Repository) RecordDecision(ctx context.Context, decision *database.SignalUserDecision) error {
	if !database.ValidDecision(decision.Decision) {
		return fmt.Errorf("invalid decision kind %q", decision.Decision)
	}
	if decision.DecisionTS.IsZero() {
		decision.DecisionTS = time.Now().UTC()
	}

	result := r.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "signal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"decision", "decision_ts", "entry_price", "exit_price", "pnl", "notes",
			}),
		}).
		Create(decision)
	if result.Error != nil {
		return fmt.Errorf("failed to record decision: %w", result.Error)
	}
	return nil
}

// HistoryEntry pairs a signal with the user's decision on it, if any
type HistoryEntry struct {
	Signal   database.Signal
	Decision *database.SignalUserDecision
}

// History returns (signal, decision?) pairs for the user's subscribed tickers,
// newest first. Hand-written SQL over the raw connection: the left join plus
// the subscription filter is awkward to express through the ORM.
func (r *Repository) History(ctx context.Context, userID uuid.UUID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Raw().QueryContext(ctx, `
		SELECT s.id, s.ticker, s.as_of_ts, s.front_expiry, s.back_expiry,
		       s.front_dte, s.back_dte, s.front_iv, s.back_iv, s.sigma_fwd,
		       s.ff_value, s.vol_point, s.quality_score, s.dedupe_key,
		       d.id, d.decision, d.decision_ts, d.entry_price, d.exit_price, d.pnl, d.notes
		FROM signals s
		JOIN subscriptions sub ON sub.ticker = s.ticker AND sub.user_id = $1 AND sub.active
		LEFT JOIN signal_user_decisions d ON d.signal_id = s.id AND d.user_id = $1
		ORDER BY s.as_of_ts DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			s          database.Signal
			decisionID uuid.NullUUID
			kind       sql.NullString
			ts         sql.NullTime
			entry      sql.NullFloat64
			exit       sql.NullFloat64
			pnl        sql.NullFloat64
			notes      sql.NullString
		)
		if err := rows.Scan(
			&s.ID, &s.Ticker, &s.AsOfTS, &s.FrontExpiry, &s.BackExpiry,
			&s.FrontDTE, &s.BackDTE, &s.FrontIV, &s.BackIV, &s.SigmaFwd,
			&s.FFValue, &s.VolPoint, &s.QualityScore, &s.DedupeKey,
			&decisionID, &kind, &ts, &entry, &exit, &pnl, &notes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		he := HistoryEntry{Signal: s}
		if decisionID.Valid {
			d := database.SignalUserDecision{
				ID:         decisionID.UUID,
				SignalID:   s.ID,
				UserID:     userID,
				Decision:   kind.String,
				DecisionTS: ts.Time,
				Notes:      notes.String,
			}
			if entry.Valid {
				d.EntryPrice = &entry.Float64
			}
			if exit.Valid {
				d.ExitPrice = &exit.Float64
			}
			if pnl.Valid {
				d.PnL = &pnl.Float64
			}
			he.Decision = &d
		}
		entries = append(entries, he)
	}
	return entries, rows.Err()
}
