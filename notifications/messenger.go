// Package notifications defines the messenger contract and its Telegram
// implementation. The router in the app package decides what gets sent;
// this package only delivers and collects decision callbacks.
package notifications

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Callback actions map one-to-one onto decision kinds
const (
	ActionPlaced  = "placed"
	ActionIgnored = "ignored"
)

// ErrRecipientGone signals a permanent delivery failure: the recipient
// blocked the bot or the chat no longer exists. The router marks the user
// inactive and stops sending.
var ErrRecipientGone = errors.New("recipient unreachable")

// ErrTransient signals a delivery failure worth retrying
var ErrTransient = errors.New("transient messenger failure")

// Callback is one user decision collected from the messenger
type Callback struct {
	ChatID   string
	SignalID uuid.UUID
	Action   string // placed, ignored
}

// Messenger delivers formatted notifications with Place/Ignore actions and
// streams back the decisions users take on them
type Messenger interface {
	// SendSignal delivers one notification to a chat. Errors wrap
	// ErrRecipientGone or ErrTransient so the router can pick a disposition.
	SendSignal(ctx context.Context, chatID, text string, signalID uuid.UUID) error

	// Listen blocks, invoking handle for every decision callback until the
	// context is cancelled
	Listen(ctx context.Context, handle func(Callback)) error
}
