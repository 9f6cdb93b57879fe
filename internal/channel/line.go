package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// MaxMulticastRecipients is the LINE Messaging API limit per multicast call.
const MaxMulticastRecipients = 500

type lineAPI interface {
	Push(ctx context.Context, to string, msgs []messaging_api.MessageInterface, retryKey string) error
	Multicast(ctx context.Context, to []string, msgs []messaging_api.MessageInterface, retryKey string) error
}

// sdkAPI adapts the generated SDK client. The SDK call itself is bounded by
// the http.Client timeout.
type sdkAPI struct {
	client *messaging_api.MessagingApiAPI
}

func (s sdkAPI) Push(ctx context.Context, to string, msgs []messaging_api.MessageInterface, retryKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.PushMessage(&messaging_api.PushMessageRequest{To: to, Messages: msgs}, retryKey)
	return err
}

func (s sdkAPI) Multicast(ctx context.Context, to []string, msgs []messaging_api.MessageInterface, retryKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Multicast(&messaging_api.MulticastRequest{To: to, Messages: msgs}, retryKey)
	return err
}

// LineChannel pushes text and flex messages through the LINE Messaging API.
type LineChannel struct {
	api lineAPI
}

func NewLineChannel(accessToken string, httpClient *http.Client) (*LineChannel, error) {
	client, err := messaging_api.NewMessagingApiAPI(accessToken, messaging_api.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("line client: %w", err)
	}
	return &LineChannel{api: sdkAPI{client: client}}, nil
}

func (l *LineChannel) Send(ctx context.Context, to string, msg model.MessageContent) error {
	msgs, err := toLineMessages(msg)
	if err != nil {
		return err
	}
	if err := l.api.Push(ctx, to, msgs, RetryKey(ctx)); err != nil {
		return &RecipientError{Recipient: to, Err: err}
	}
	return nil
}

// Multicast splits recipients at the API limit. It stops at the first failed
// batch; batches already accepted stay delivered.
func (l *LineChannel) Multicast(ctx context.Context, to []string, msg model.MessageContent) error {
	msgs, err := toLineMessages(msg)
	if err != nil {
		return err
	}
	for start := 0; start < len(to); start += MaxMulticastRecipients {
		end := min(start+MaxMulticastRecipients, len(to))
		if err := l.api.Multicast(ctx, to[start:end], msgs, ""); err != nil {
			return fmt.Errorf("multicast recipients %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func toLineMessages(msg model.MessageContent) ([]messaging_api.MessageInterface, error) {
	switch msg.Type {
	case "text":
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: empty text", appErrors.ErrUnsupportedMessage)
		}
		return []messaging_api.MessageInterface{messaging_api.TextMessage{Text: msg.Text}}, nil
	case "flex":
		container, err := messaging_api.UnmarshalFlexContainer(msg.Contents)
		if err != nil {
			return nil, fmt.Errorf("%w: flex contents: %v", appErrors.ErrUnsupportedMessage, err)
		}
		alt := msg.AltText
		if alt == "" {
			alt = "メッセージ"
		}
		return []messaging_api.MessageInterface{messaging_api.FlexMessage{AltText: alt, Contents: container}}, nil
	}
	return nil, fmt.Errorf("%w: type %q", appErrors.ErrUnsupportedMessage, msg.Type)
}
