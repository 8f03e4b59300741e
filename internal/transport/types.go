package transport

import (
	"context"
	"errors"
)

// ErrPermanent marks a delivery failure that will not succeed on retry
// (recipient blocked the bot, chat does not exist, account deactivated).
// Adapters wrap their native error with it; everything else is transient.
var ErrPermanent = errors.New("permanent delivery failure")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound channel: deliver formatted text to one recipient.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// FailureClass labels a delivery error for logs and counters.
func FailureClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "transient"
	}
}
