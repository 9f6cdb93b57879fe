// Package channel delivers rendered campaign messages to contacts.
package channel

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// OutboundChannel sends one message to one recipient, or the same message to
// many recipients. A nil error means the provider accepted the message.
type OutboundChannel interface {
	Send(ctx context.Context, to string, msg model.MessageContent) error
	Multicast(ctx context.Context, to []string, msg model.MessageContent) error
}

// RecipientError ties a delivery failure to the recipient it happened for.
type RecipientError struct {
	Recipient string
	Err       error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("recipient %s: %v", e.Recipient, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }

// Router picks the channel for a campaign type.
type Router struct {
	Line  OutboundChannel
	Email OutboundChannel
}

func (r *Router) For(t model.CampaignType) (OutboundChannel, error) {
	var ch OutboundChannel
	switch t.Channel() {
	case model.ChannelLine:
		ch = r.Line
	case model.ChannelEmail:
		ch = r.Email
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", appErrors.ErrChannelUnavailable, t)
	}
	return ch, nil
}

type retryKeyCtx struct{}

// WithRetryKey attaches an idempotency key to ctx. Providers that support
// retry keys use it so a resend after an ambiguous failure is not delivered twice.
func WithRetryKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, retryKeyCtx{}, key)
}

func RetryKey(ctx context.Context) string {
	k, _ := ctx.Value(retryKeyCtx{}).(string)
	return k
}
