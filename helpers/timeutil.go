package helpers

import (
	"fmt"
	"regexp"
	"time"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9]{1,5}$`)

// NormalizeTicker uppercases and validates a ticker symbol
func NormalizeTicker(ticker string) (string, error) {
	upper := ""
	for _, r := range ticker {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	if !tickerPattern.MatchString(upper) {
		return "", fmt.Errorf("invalid ticker symbol %q", ticker)
	}
	return upper, nil
}

// CalculateDTE returns calendar days from the reference date to expiry.
// Both are truncated to dates so intra-day time never shifts the count.
func CalculateDTE(expiry, reference time.Time) int {
	e := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	r := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(r).Hours() / 24)
}

// ValidateTimezone rejects anything that is not a loadable IANA zone
func ValidateTimezone(name string) error {
	if name == "" {
		return fmt.Errorf("timezone must not be empty")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return nil
}

// ValidateClock rejects anything that is not an HH:MM wall-clock string
func ValidateClock(clock string) error {
	if _, err := time.Parse("15:04", clock); err != nil {
		return fmt.Errorf("invalid clock value %q: %w", clock, err)
	}
	return nil
}

// InQuietHours reports whether t falls inside the [start, end] window after
// conversion to the given zone. Windows where end < start wrap midnight
// (22:00-07:00 covers late evening and early morning).
func InQuietHours(t time.Time, start, end, timezone string) (bool, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return false, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}

	startClock, err := time.Parse("15:04", start)
	if err != nil {
		return false, fmt.Errorf("invalid quiet hours start %q: %w", start, err)
	}
	endClock, err := time.Parse("15:04", end)
	if err != nil {
		return false, fmt.Errorf("invalid quiet hours end %q: %w", end, err)
	}

	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := startClock.Hour()*60 + startClock.Minute()
	endMin := endClock.Hour()*60 + endClock.Minute()

	if startMin > endMin {
		// Overnight window
		return minutes >= startMin || minutes <= endMin, nil
	}
	return minutes >= startMin && minutes <= endMin, nil
}
