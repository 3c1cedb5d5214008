package helpers

import (
	"fmt"
	"time"

	"forward-factor-scanner/database"
)

// FormatSignalMessage renders a signal as the Telegram notification body
func FormatSignalMessage(signal *database.Signal) string {
	return fmt.Sprintf(`🚨 Forward Factor Signal: %s

📊 Forward Factor: %.2f%%
Front IV (%dd): %.2f%%
Back IV (%dd): %.2f%%
Implied Forward IV: %.2f%%

📅 Expiries:
Front: %s (%d DTE)
Back: %s (%d DTE)

💰 Underlying: $%.2f
📍 Vol Point: %s

📋 Strategy: Calendar Spread
Sell front expiry, Buy back expiry
Same strike (ATM or near)

🕐 Signal Time: %s`,
		signal.Ticker,
		signal.FFValue*100,
		signal.FrontDTE, signal.FrontIV*100,
		signal.BackDTE, signal.BackIV*100,
		signal.SigmaFwd*100,
		signal.FrontExpiry.Format("2006-01-02"), signal.FrontDTE,
		signal.BackExpiry.Format("2006-01-02"), signal.BackDTE,
		signal.UnderlyingPrice,
		signal.VolPoint,
		signal.AsOfTS.UTC().Format("2006-01-02 15:04 UTC"),
	)
}

// FormatDuration renders a duration as a compact human string for logs
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
