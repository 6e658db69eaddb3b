package watchtower

import (
	"context"
	"errors"
)

// Notifier abstracts the push-notification transport (Telegram in
// production). Messages are plaintext and must fit the transport's limit;
// implementations split long messages themselves.
type Notifier interface {
	// SendMessage delivers text to one recipient. A permanent failure
	// (recipient blocked the bot, chat deleted) is reported by wrapping
	// ErrRecipientBlocked so callers can prune the recipient.
	SendMessage(ctx context.Context, recipient string, text string) error
}

// ErrRecipientBlocked marks a permanent per-recipient delivery failure.
// Transient failures (network, rate limit) must not wrap this.
var ErrRecipientBlocked = errors.New("recipient blocked delivery")

// IsPermanentDeliveryFailure reports whether err means the recipient will
// never receive messages again and should be removed from the subscriber set.
func IsPermanentDeliveryFailure(err error) bool {
	return errors.Is(err, ErrRecipientBlocked)
}
