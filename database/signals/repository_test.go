package signals

import (
	"testing"
	"time"
)

func TestDedupeKey(t *testing.T) {
	front := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	back := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	morning := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	afternoon := time.Date(2026, 3, 2, 20, 45, 0, 0, time.UTC)

	base := DedupeKey("AAPL", front, back, morning, "ATM")

	if len(base) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(base))
	}

	t.Run("deterministic", func(t *testing.T) {
		if DedupeKey("AAPL", front, back, morning, "ATM") != base {
			t.Error("same inputs produced different keys")
		}
	})

	t.Run("same calendar day coalesces", func(t *testing.T) {
		if DedupeKey("AAPL", front, back, afternoon, "ATM") != base {
			t.Error("scans on the same day should share a key")
		}
	})

	t.Run("next day is a new signal", func(t *testing.T) {
		nextDay := morning.AddDate(0, 0, 1)
		if DedupeKey("AAPL", front, back, nextDay, "ATM") == base {
			t.Error("different days should not share a key")
		}
	})

	t.Run("vol point distinguishes", func(t *testing.T) {
		if DedupeKey("AAPL", front, back, morning, "35d_put") == base {
			t.Error("different vol points should not share a key")
		}
	})

	t.Run("ticker and expiries distinguish", func(t *testing.T) {
		if DedupeKey("MSFT", front, back, morning, "ATM") == base {
			t.Error("different tickers should not share a key")
		}
		if DedupeKey("AAPL", front, back.AddDate(0, 0, 7), morning, "ATM") == base {
			t.Error("different expiry pairs should not share a key")
		}
	})

	t.Run("as-of day compares in UTC", func(t *testing.T) {
		// 2026-03-02 18:00 -08:00 is 2026-03-03 02:00 UTC, a different day
		offset := time.FixedZone("PST", -8*3600)
		local := time.Date(2026, 3, 2, 18, 0, 0, 0, offset)
		if DedupeKey("AAPL", front, back, local, "ATM") == base {
			t.Error("UTC day boundary should separate keys")
		}
	})
}
